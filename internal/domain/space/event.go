package space

// EventProcessor transforms application events before delivery.
type EventProcessor interface {
	ProcessPublic(ev Event, sender SpaceUser) Event
	ProcessPrivate(ev Event, sender, receiver SpaceUser) Event
}

// PublicTransform rewrites a public event of one type.
type PublicTransform func(ev Event, sender SpaceUser) Event

// PrivateTransform rewrites a private event of one type.
type PrivateTransform func(ev Event, sender, receiver SpaceUser) Event

// Processor dispatches events to transforms registered per event type.
// Types without a transform pass through untouched. Register everything
// before the processor is shared; lookups are not synchronized.
type Processor struct {
	public  map[string]PublicTransform
	private map[string]PrivateTransform
}

// NewProcessor returns a processor with no transforms.
func NewProcessor() *Processor {
	return &Processor{
		public:  make(map[string]PublicTransform),
		private: make(map[string]PrivateTransform),
	}
}

// RegisterPublic installs fn for public events of eventType.
func (p *Processor) RegisterPublic(eventType string, fn PublicTransform) *Processor {
	p.public[eventType] = fn
	return p
}

// RegisterPrivate installs fn for private events of eventType.
func (p *Processor) RegisterPrivate(eventType string, fn PrivateTransform) *Processor {
	p.private[eventType] = fn
	return p
}

func (p *Processor) ProcessPublic(ev Event, sender SpaceUser) Event {
	if fn, ok := p.public[ev.Type]; ok {
		return fn(ev, sender)
	}
	return ev
}

func (p *Processor) ProcessPrivate(ev Event, sender, receiver SpaceUser) Event {
	if fn, ok := p.private[ev.Type]; ok {
		return fn(ev, sender, receiver)
	}
	return ev
}
