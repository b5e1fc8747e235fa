// Package hook implements the subscription-hook pipeline: an ordered
// chain of observers invoked when the reactor decodes a Subscribe,
// Unsubscribe, or Ack frame. Hooks are pure observers — none of them can
// alter the broker's fan-out decision, which remains unconditional.
package hook

// HandlerFunc observes one Subscribe/Unsubscribe/Ack frame decoded on
// connectionID.
type HandlerFunc func(connectionID uint64, frameType byte, payload []byte)

// Pipeline is a zero-allocation, ordered chain of hook handlers.
type Pipeline struct {
	handlers []HandlerFunc
}

// NewPipeline creates an empty hook pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{handlers: make([]HandlerFunc, 0, 4)}
}

// Use appends a handler to the pipeline.
func (p *Pipeline) Use(h HandlerFunc) *Pipeline {
	p.handlers = append(p.handlers, h)
	return p
}

// Execute runs every registered handler in order. It matches
// fanout.SubscriptionHook's signature so a *Pipeline can be passed
// directly as the fan-out engine's hook via its Execute method value.
func (p *Pipeline) Execute(connectionID uint64, frameType byte, payload []byte) {
	for _, h := range p.handlers {
		h(connectionID, frameType, payload)
	}
}
