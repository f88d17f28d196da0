// Package middleware はゲートウェイのGinルーターで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、CORS、リクエストID、アクセスログ、ログインのレート制限、
// 上流サービスへ渡すアサーションJWTの発行と検証を含む。
package middleware
