//go:build !protogen

package directory

// NewProvider returns nil in builds without generated directory protos; the
// caller treats a nil provider as "ownership enforced upstream".
func NewProvider(_ string) (Provider, error) {
	return nil, nil
}
