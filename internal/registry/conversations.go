package registry

// Conversations numbers the addresses the operator has exchanged messages
// with. The messages themselves live in the pipeline's log.
type Conversations struct {
	space *Space
}

func NewConversations(space *Space) *Conversations {
	return &Conversations{space: space}
}

func (c *Conversations) Touch(address string) (int, bool) {
	return c.space.Register(address)
}

func (c *Conversations) Index(address string) (int, bool) {
	return c.space.Lookup(address)
}

func (c *Conversations) ByIndex(idx int) (string, error) {
	return c.space.KeyOf(idx)
}

func (c *Conversations) Entries() []Entry {
	return c.space.Entries()
}
