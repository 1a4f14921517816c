package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/instill-ai/ingestion-backend/pkg/repository"
	"github.com/instill-ai/ingestion-backend/pkg/types"
)

// VectorIndex is an in-memory repository.VectorIndex.
type VectorIndex struct {
	mu          sync.Mutex
	collections map[types.KBUIDType]map[string]repository.VectorPoint
	owners      map[string]types.DocumentUIDType

	// Err, when set, is called before every operation. A non-nil result
	// fails the operation.
	Err     func(op string) error
	Journal *Journal
}

// NewVectorIndex returns an empty index.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{
		collections: map[types.KBUIDType]map[string]repository.VectorPoint{},
		owners:      map[string]types.DocumentUIDType{},
	}
}

var _ repository.VectorIndex = (*VectorIndex)(nil)

func (v *VectorIndex) fail(op string) error {
	v.Journal.Add("vector." + op)
	if v.Err != nil {
		return v.Err(op)
	}
	return nil
}

// Upsert implements repository.VectorIndex.
func (v *VectorIndex) Upsert(_ context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType, points []repository.VectorPoint) (int, error) {
	if err := v.fail("upsert"); err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	coll, ok := v.collections[kbUID]
	if !ok {
		coll = map[string]repository.VectorPoint{}
		v.collections[kbUID] = coll
	}
	for _, p := range points {
		coll[p.ChunkID] = p
		v.owners[p.ChunkID] = documentUID
	}
	return len(points), nil
}

// DeleteByDocument implements repository.VectorIndex.
func (v *VectorIndex) DeleteByDocument(_ context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType) (int, error) {
	if err := v.fail("delete_by_document"); err != nil {
		return 0, err
	}
	return v.deleteWhere(kbUID, documentUID, func(repository.VectorPoint) bool { return true }), nil
}

// DeleteOrphans implements repository.VectorIndex.
func (v *VectorIndex) DeleteOrphans(_ context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType, maxValidChunkIndex int) (int, error) {
	if err := v.fail("delete_orphans"); err != nil {
		return 0, err
	}
	return v.deleteWhere(kbUID, documentUID, func(p repository.VectorPoint) bool {
		return p.ChunkIndex > maxValidChunkIndex
	}), nil
}

func (v *VectorIndex) deleteWhere(kbUID types.KBUIDType, documentUID types.DocumentUIDType, match func(repository.VectorPoint) bool) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	coll, ok := v.collections[kbUID]
	if !ok {
		return 0
	}
	n := 0
	for id, p := range coll {
		if v.owners[id] == documentUID && match(p) {
			delete(coll, id)
			delete(v.owners, id)
			n++
		}
	}
	return n
}

// CountByDocument implements repository.VectorIndex.
func (v *VectorIndex) CountByDocument(_ context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType) (int, error) {
	if err := v.fail("count"); err != nil {
		return 0, err
	}
	return len(v.Points(kbUID, documentUID)), nil
}

// Points returns the points of a document sorted by chunk index.
func (v *VectorIndex) Points(kbUID types.KBUIDType, documentUID types.DocumentUIDType) []repository.VectorPoint {
	v.mu.Lock()
	defer v.mu.Unlock()

	var points []repository.VectorPoint
	for id, p := range v.collections[kbUID] {
		if v.owners[id] == documentUID {
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ChunkIndex < points[j].ChunkIndex })
	return points
}

// Seed writes points directly, bypassing the journal and error hook.
func (v *VectorIndex) Seed(kbUID types.KBUIDType, documentUID types.DocumentUIDType, points []repository.VectorPoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	coll, ok := v.collections[kbUID]
	if !ok {
		coll = map[string]repository.VectorPoint{}
		v.collections[kbUID] = coll
	}
	for _, p := range points {
		coll[p.ChunkID] = p
		v.owners[p.ChunkID] = documentUID
	}
}
