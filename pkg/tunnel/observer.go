package tunnel

import "context"

// Observer receives session lifecycle and traffic events. Callbacks run on
// the reader or writer goroutine and must not block.
type Observer interface {
	OnHandshakeStart(ctx context.Context) (context.Context, func(error))
	OnSessionEnd(cause error)
	OnSend(kind string, frameLen int, sealed bool)
	OnReceive(kind string, frameLen int, sealed bool)
	OnDrop(reason string, err error)
	OnTunnelDecryptError(err error)
	OnWriteQueueFull()
}

// ObserverFactory builds a per-session observer once the remote address is
// known. It takes precedence over Config.Observer.
type ObserverFactory func(remote string) Observer

type nopObserver struct{}

func (nopObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (nopObserver) OnSessionEnd(error)            {}
func (nopObserver) OnSend(string, int, bool)      {}
func (nopObserver) OnReceive(string, int, bool)   {}
func (nopObserver) OnDrop(string, error)          {}
func (nopObserver) OnTunnelDecryptError(error)    {}
func (nopObserver) OnWriteQueueFull()             {}

func observerFromConfig(cfg *Config, remote string) Observer {
	if cfg.ObserverFactory != nil {
		if o := cfg.ObserverFactory(remote); o != nil {
			return o
		}
	}
	if cfg.Observer != nil {
		return cfg.Observer
	}
	return nopObserver{}
}
