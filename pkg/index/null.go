package index

// NullIndex disables retrieval: adds succeed, searches return nothing. Used
// when a deployment opts out of in-memory indexing.
type NullIndex struct{}

func (NullIndex) Add(doc Doc) error { return nil }

func (NullIndex) Remove(id string) {}

func (NullIndex) Search(query string, limit int) []Hit { return nil }

func (NullIndex) Len() int { return 0 }
