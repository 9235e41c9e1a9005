package runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
)

var (
	ErrUnknownDestination = errors.New("unknown destination")
	ErrNotBoss            = errors.New("sender is not the direct boss")
)

// Router delivers envelopes between nodes. Local nodes get the envelope in
// their mailbox; anything else is handed to the remote link (the MQTT actor),
// which publishes it at most once.
type Router struct {
	mu       sync.RWMutex
	tree     *CommandTree
	local    map[string]*actor.PID
	remote   *actor.PID
	fallback string
	logger   *zap.Logger
}

func NewRouter(tree *CommandTree, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		tree:   tree,
		local:  make(map[string]*actor.PID),
		logger: logger,
	}
}

func (r *Router) Tree() *CommandTree {
	return r.tree
}

func (r *Router) Register(name string, pid *actor.PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[name] = pid
}

func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, name)
}

// SetRemote sets the PID that publishes envelopes for non-local destinations.
func (r *Router) SetRemote(pid *actor.PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = pid
}

// SetFallback names the local node that receives inbound envelopes addressed
// to no local node.
func (r *Router) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

func (r *Router) PID(name string) (*actor.PID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.local[name]
	return pid, ok
}

func (r *Router) IsLocal(name string) bool {
	_, ok := r.PID(name)
	return ok
}

// Send stamps the envelope with the sender's current handle and delivers it.
func (r *Router) Send(sender actor.SenderContext, src, dst string, payload domain.Payload) error {
	handle, _ := r.tree.Handle(src)
	return r.SendEnvelope(sender, domain.NewEnvelope(src, dst, handle, payload))
}

func (r *Router) SendEnvelope(sender actor.SenderContext, env domain.Envelope) error {
	r.mu.RLock()
	pid, ok := r.local[env.Dst]
	remote := r.remote
	r.mu.RUnlock()

	if ok {
		sender.Send(pid, env)
		return nil
	}
	if remote != nil {
		sender.Send(remote, domain.PublishEnvelopeRequest{Envelope: env})
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownDestination, env.Dst)
}

// Deliver puts an envelope received from the broker into the addressed mailbox.
func (r *Router) Deliver(sender actor.SenderContext, env domain.Envelope) error {
	r.mu.RLock()
	pid, ok := r.local[env.Dst]
	if !ok && r.fallback != "" {
		pid, ok = r.local[r.fallback]
	}
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("router: dropping inbound envelope", zap.String("src", env.Src), zap.String("dst", env.Dst),
			zap.String("type", env.Payload.TypeName()))
		return fmt.Errorf("%w: %s", ErrUnknownDestination, env.Dst)
	}
	sender.Send(pid, env)
	return nil
}

// Authorize checks that env was sent by the direct boss of the node holding myHandle.
func Authorize(myHandle string, env domain.Envelope) error {
	if !IsDirectBoss(env.FromHandle, myHandle) {
		return fmt.Errorf("%w: %s (%s) commanded %s", ErrNotBoss, env.Src, env.FromHandle, myHandle)
	}
	return nil
}
