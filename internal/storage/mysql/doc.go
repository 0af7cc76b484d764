// Package mysql persists run checkpoints, final reports and deployed attacker
// contracts in MySQL. Schema changes ship as embedded migrations under
// deploy/migrations and are applied on Open.
package mysql
