// Package saga executes multi-step distributed transactions with
// compensating rollbacks. A definition's steps run in order; when one fails
// past its retry budget, the compensations of every completed step run in
// strict reverse order. ABORTED means the rollback succeeded, FAILED means a
// compensation itself broke and someone has to look.
package saga
