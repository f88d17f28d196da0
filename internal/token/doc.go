// Package token はセッショントークンの発行を提供する。
//
// トークンは暗号論的乱数から生成した不透明な16進文字列であり、
// ユーザー情報を一切含まない。トークンの有効性はバックエンドが唯一の
// 判断主体であり、このパッケージはトークンを保存も検証もしない。
package token
