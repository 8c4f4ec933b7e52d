package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/storage"
)

// Identity advertises a child service's contract: the schemas an invoker
// validates against before asking. Identities live in the shared store so
// invokers can fetch them without the child being online.
type Identity struct {
	Service      string          `json:"service"`
	Revision     string          `json:"revision,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// IdentityKey returns the store key an identity document lives under.
func IdentityKey(service string) string {
	return "services/" + service + "/identity.json"
}

// PublishIdentity writes an identity document to the store.
func PublishIdentity(ctx context.Context, store storage.Store, id Identity) error {
	if id.Service == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty service name"),
			"Identity", "PublishIdentity", "validate identity")
	}
	data, err := json.Marshal(id)
	if err != nil {
		return errors.WrapInvalid(err, "Identity", "PublishIdentity", "encode identity")
	}
	if err := store.Put(ctx, IdentityKey(id.Service), data); err != nil {
		return errors.WrapTransient(err, "Identity", "PublishIdentity", "store identity")
	}
	return nil
}

// LookupIdentity fetches a service's identity document. An unadvertised
// service returns an error matching errors.ErrNotFound.
func LookupIdentity(ctx context.Context, store storage.Store, service string) (Identity, error) {
	data, err := store.Get(ctx, IdentityKey(service))
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, errors.WrapInvalid(err, "Identity", "LookupIdentity", "decode identity")
	}
	return id, nil
}
