package link

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipld/go-car/v2"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/ipld/go-ipld-prime/storage/memstore"
	"github.com/ipld/go-ipld-prime/traversal/selector"
	"github.com/ipld/go-ipld-prime/traversal/selector/builder"
	"github.com/nasdf/vercol/core"
)

// Export writes a CAR containing the DAG starting from the given root link to the given io.Writer.
func (s *Store) Export(ctx context.Context, rootLink datamodel.Link, out io.Writer) error {
	cid := rootLink.(cidlink.Link).Cid
	ssb := builder.NewSelectorSpecBuilder(basicnode.Prototype.Any)
	sel := ssb.ExploreRecursive(selector.RecursionLimitNone(), ssb.ExploreAll(ssb.ExploreRecursiveEdge()))

	w, err := car.NewSelectiveWriter(ctx, &s.lsys, cid, sel.Node())
	if err != nil {
		return err
	}
	_, err = w.WriteTo(out)
	return err
}

// Export writes the history as a CAR archive.
func Export(ctx context.Context, h core.History, out io.Writer) error {
	s := NewMemoryStore()
	root, err := s.Put(ctx, h)
	if err != nil {
		return err
	}
	return s.Export(ctx, root, out)
}

// Import reads a history from a CAR archive written by Export.
func Import(ctx context.Context, in io.Reader) (core.History, error) {
	s, root, err := Read(ctx, in)
	if err != nil {
		return core.History{}, err
	}
	return s.Get(ctx, root)
}

// Read loads the blocks of a CAR archive into a memory Store and returns the archive root.
func Read(ctx context.Context, in io.Reader) (*Store, datamodel.Link, error) {
	br, err := car.NewBlockReader(in)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read archive: %w", err)
	}
	if len(br.Roots) != 1 {
		return nil, nil, fmt.Errorf("archive has %d roots", len(br.Roots))
	}
	blocks := &memstore.Store{}
	for {
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read archive: %w", err)
		}
		key := cidlink.Link{Cid: blk.Cid()}.Binary()
		if err := blocks.Put(ctx, key, blk.RawData()); err != nil {
			return nil, nil, err
		}
	}
	return NewStore(blocks), cidlink.Link{Cid: br.Roots[0]}, nil
}
