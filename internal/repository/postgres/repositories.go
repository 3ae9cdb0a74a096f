package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Windows *WindowLedgerRepository
	Denials *DenialAuditRepository
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool, ledger WindowLedgerConfig) *Repositories {
	return &Repositories{
		Windows: NewWindowLedgerRepository(pool, ledger),
		Denials: NewDenialAuditRepository(pool),
	}
}
