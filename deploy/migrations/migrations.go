package migrations

import "embed"

// Files 包含交易归档与 RBAC 存储的全部 SQL 迁移。
//
//go:embed *.sql
var Files embed.FS
