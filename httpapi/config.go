package httpapi

// Config defines the loopback HTTP API settings.
type Config struct {
	Addr string
	// AllowedOrigins lists browser origins that may open the privileged
	// channel. Requests without an Origin header are always accepted.
	AllowedOrigins []string
}
