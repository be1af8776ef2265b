package ports

// BetaSampler draws from a Beta(alpha, beta) distribution. Implementations
// must be safe for concurrent use; tests substitute deterministic samplers.
type BetaSampler interface {
	SampleBeta(alpha, beta float64) float64
}
