package transport

// Handler receives messages on a subscribed topic.
type Handler interface {
	OnMessage(topic string, payload []byte)
}

// BlockHandler receives the results of bulk range requests.
type BlockHandler interface {
	OnBlock(offset int64, data []byte)
	OnError(offset int64, err error)
}

type HandlerFuncs struct {
	OnMessageFunc func(topic string, payload []byte)
	OnBlockFunc   func(offset int64, data []byte)
	OnErrorFunc   func(offset int64, err error)
}

func (fn *HandlerFuncs) OnMessage(topic string, payload []byte) {
	if fn.OnMessageFunc != nil {
		fn.OnMessageFunc(topic, payload)
	}
}

func (fn *HandlerFuncs) OnBlock(offset int64, data []byte) {
	if fn.OnBlockFunc != nil {
		fn.OnBlockFunc(offset, data)
	}
}

func (fn *HandlerFuncs) OnError(offset int64, err error) {
	if fn.OnErrorFunc != nil {
		fn.OnErrorFunc(offset, err)
	}
}
