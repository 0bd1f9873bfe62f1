// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations, the terminal-transaction archive, and the
// role assignment store behind the security service.
package mysql
