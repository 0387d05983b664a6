package db

import "context"

// Ping goes through the circuit breaker so a readiness probe and a query see
// the same view of the store's health.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	s.recordError(err)
	return err
}
