package match

import "context"

// Checkpointer persists session snapshots so live sessions survive a
// restart. It is optional: the engine is correct without it for the
// lifetime of one process.
type Checkpointer interface {
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]Session, error)
}

type nopCheckpointer struct{}

func (nopCheckpointer) Save(context.Context, Session) error     { return nil }
func (nopCheckpointer) Delete(context.Context, string) error    { return nil }
func (nopCheckpointer) Load(context.Context) ([]Session, error) { return nil, nil }
