package core

import (
	"context"

	"github.com/nasdf/vercol/storage"
)

// Rename moves the collection and its tracking records to newName and returns the collection opened under it.
// The receiver is closed and must not be used afterwards.
func (c *Collection) Rename(ctx context.Context, newName string) (*Collection, error) {
	if newName == "" || storage.IsInternal(newName) {
		return nil, invalidOperation("invalid collection name %q", newName)
	}
	if newName == c.name {
		return nil, invalidOperation("collection is already named %q", newName)
	}
	err := c.synchronize(ctx, func() error {
		return c.rename(ctx, newName)
	})
	if err != nil {
		return nil, err
	}
	if err := c.locker.Remove(ctx, c.name); err != nil {
		return nil, err
	}
	if err := c.Close(); err != nil {
		return nil, err
	}
	c.logger.Info("collection renamed", "name", newName)
	return Open(ctx, c.db, newName, c.opts)
}

func (c *Collection) rename(ctx context.Context, newName string) error {
	target := collectionNames(newName)
	from := append([]string{c.name}, c.names.all()...)
	to := append([]string{newName}, target.all()...)
	for _, name := range to {
		exists, err := c.db.HasCollection(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return invalidOperation("collection %s already exists", name)
		}
	}
	if err := c.pause(ctx); err != nil {
		return err
	}
	for i, name := range from {
		exists, err := c.db.HasCollection(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if _, err := c.db.Collection(name).CopyTo(ctx, storage.Filter{}, to[i]); err != nil {
			return err
		}
		if err := c.db.DropCollection(ctx, name); err != nil {
			return err
		}
	}
	if !c.tracked {
		return nil
	}
	md, err := newMetadataStore(c.db.Collection(target.metadata), c.name).get(ctx)
	if err != nil {
		return err
	}
	// the copied documents are already part of the checked out version
	md.ListenerSeq, err = c.db.LastSeq(ctx, newName)
	if err != nil {
		return err
	}
	if err := newMetadataStore(c.db.Collection(target.metadata), newName).create(ctx, md); err != nil {
		return err
	}
	_, err = c.db.Collection(target.metadata).DeleteMany(ctx, storage.ByID(c.name))
	return err
}
