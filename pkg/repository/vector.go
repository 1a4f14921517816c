package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"go.uber.org/zap"

	"github.com/instill-ai/ingestion-backend/pkg/types"

	logx "github.com/instill-ai/x/log"
)

// VectorPoint is a chunk embedding together with the payload that makes it
// searchable.
type VectorPoint struct {
	ChunkID     string
	ChunkIndex  int
	Text        string
	Start       int
	End         int
	PageStart   int
	PageEnd     int
	SectionPath []string
	Vector      []float32
}

// VectorIndex is the only writer of vector points. Every operation is
// idempotent: points are keyed by a chunk ID derived from the document and
// the chunk index.
type VectorIndex interface {
	// Upsert writes or overwrites the points of a document in the collection
	// of its knowledge base, creating the collection if needed. It returns
	// the number of points written.
	Upsert(ctx context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType, points []VectorPoint) (int, error)
	// DeleteByDocument removes every point of a document.
	DeleteByDocument(ctx context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType) (int, error)
	// DeleteOrphans removes the points of a document whose chunk index is
	// greater than maxValidChunkIndex.
	DeleteOrphans(ctx context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType, maxValidChunkIndex int) (int, error)
	// CountByDocument returns the number of points of a document.
	CountByDocument(ctx context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType) (int, error)
}

const kbCollectionPrefix = "kb_"

// KBCollectionName returns the collection name for a given knowledge base.
// Collection names can only contain numbers, letters and underscores, so the
// UUID is converted to a valid name.
func KBCollectionName(uid types.KBUIDType) string {
	return kbCollectionPrefix + strings.ReplaceAll(uid.String(), "-", "_")
}

const (
	fieldChunkID     = "chunk_id"
	fieldDocumentUID = "document_uid"
	fieldKBUID       = "kb_uid"
	fieldChunkIndex  = "chunk_index"
	fieldText        = "text"
	fieldStart       = "start_offset"
	fieldEnd         = "end_offset"
	fieldPageStart   = "page_start"
	fieldPageEnd     = "page_end"
	fieldSection     = "section"
	fieldEmbedding   = "embedding"

	uidMaxLength     = 64
	textMaxLength    = 65535
	sectionMaxLength = 2048
	sectionSeparator = " > "

	countField = "count(*)"
)

type milvusIndex struct {
	c *milvusclient.Client
}

// NewVectorIndex returns a VectorIndex backed by Milvus.
func NewVectorIndex(ctx context.Context, host, port string) (_ VectorIndex, closeFn func(context.Context) error, _ error) {
	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address: host + ":" + port,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to milvus: %w", err)
	}

	return &milvusIndex{c: c}, c.Close, nil
}

func (m *milvusIndex) collectionExists(ctx context.Context, name string) (bool, error) {
	has, err := m.c.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return false, fmt.Errorf("checking collection existence: %w", err)
	}
	return has, nil
}

// ensureCollection creates the collection of a knowledge base the first
// time a document of that knowledge base is indexed.
func (m *milvusIndex) ensureCollection(ctx context.Context, name string, dim int) error {
	has, err := m.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("collection_name", name), zap.Int("dimension", dim))

	schema := entity.NewSchema().WithName(name).
		WithField(entity.NewField().WithName(fieldChunkID).WithDataType(entity.FieldTypeVarChar).WithIsPrimaryKey(true).WithMaxLength(uidMaxLength)).
		WithField(entity.NewField().WithName(fieldDocumentUID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(uidMaxLength)).
		WithField(entity.NewField().WithName(fieldKBUID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(uidMaxLength)).
		WithField(entity.NewField().WithName(fieldChunkIndex).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(textMaxLength)).
		WithField(entity.NewField().WithName(fieldStart).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldEnd).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldPageStart).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldPageEnd).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldSection).WithDataType(entity.FieldTypeVarChar).WithMaxLength(sectionMaxLength)).
		WithField(entity.NewField().WithName(fieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))

	opt := milvusclient.NewCreateCollectionOption(name, schema).
		WithIndexOptions(
			milvusclient.NewCreateIndexOption(name, fieldEmbedding, index.NewAutoIndex(entity.COSINE)),
			milvusclient.NewCreateIndexOption(name, fieldDocumentUID, index.NewInvertedIndex()),
		)
	if err := m.c.CreateCollection(ctx, opt); err != nil {
		// Another worker may have created it in the meantime.
		if has, hasErr := m.collectionExists(ctx, name); hasErr == nil && has {
			return nil
		}
		return fmt.Errorf("creating collection: %w", err)
	}

	logger.Info("Collection created.")
	return nil
}

func (m *milvusIndex) load(ctx context.Context, name string) error {
	task, err := m.c.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		return fmt.Errorf("loading collection: %w", err)
	}
	if err := task.Await(ctx); err != nil {
		return fmt.Errorf("waiting for collection to load: %w", err)
	}
	return nil
}

func (m *milvusIndex) Upsert(ctx context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType, points []VectorPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	dim := len(points[0].Vector)
	name := KBCollectionName(kbUID)
	if err := m.ensureCollection(ctx, name, dim); err != nil {
		return 0, err
	}

	var (
		ids        = make([]string, len(points))
		docUIDs    = make([]string, len(points))
		kbUIDs     = make([]string, len(points))
		indices    = make([]int64, len(points))
		texts      = make([]string, len(points))
		starts     = make([]int64, len(points))
		ends       = make([]int64, len(points))
		pageStarts = make([]int64, len(points))
		pageEnds   = make([]int64, len(points))
		sections   = make([]string, len(points))
		vectors    = make([][]float32, len(points))
	)
	for i, p := range points {
		if len(p.Vector) != dim {
			return 0, fmt.Errorf("point %d has dimension %d, want %d", p.ChunkIndex, len(p.Vector), dim)
		}
		ids[i] = p.ChunkID
		docUIDs[i] = documentUID.String()
		kbUIDs[i] = kbUID.String()
		indices[i] = int64(p.ChunkIndex)
		texts[i] = truncateBytes(p.Text, textMaxLength)
		starts[i] = int64(p.Start)
		ends[i] = int64(p.End)
		pageStarts[i] = int64(p.PageStart)
		pageEnds[i] = int64(p.PageEnd)
		sections[i] = truncateBytes(strings.Join(p.SectionPath, sectionSeparator), sectionMaxLength)
		vectors[i] = p.Vector
	}

	opt := milvusclient.NewColumnBasedInsertOption(name).
		WithVarcharColumn(fieldChunkID, ids).
		WithVarcharColumn(fieldDocumentUID, docUIDs).
		WithVarcharColumn(fieldKBUID, kbUIDs).
		WithInt64Column(fieldChunkIndex, indices).
		WithVarcharColumn(fieldText, texts).
		WithInt64Column(fieldStart, starts).
		WithInt64Column(fieldEnd, ends).
		WithInt64Column(fieldPageStart, pageStarts).
		WithInt64Column(fieldPageEnd, pageEnds).
		WithVarcharColumn(fieldSection, sections).
		WithFloatVectorColumn(fieldEmbedding, dim, vectors)

	res, err := m.c.Upsert(ctx, opt)
	if err != nil {
		return 0, fmt.Errorf("upserting vectors: %w", err)
	}
	return int(res.UpsertCount), nil
}

func (m *milvusIndex) DeleteByDocument(ctx context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType) (int, error) {
	return m.delete(ctx, kbUID, documentFilter(documentUID))
}

func (m *milvusIndex) DeleteOrphans(ctx context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType, maxValidChunkIndex int) (int, error) {
	return m.delete(ctx, kbUID, orphanFilter(documentUID, maxValidChunkIndex))
}

func (m *milvusIndex) delete(ctx context.Context, kbUID types.KBUIDType, expr string) (int, error) {
	name := KBCollectionName(kbUID)
	has, err := m.collectionExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, nil
	}
	// Deleting by expression resolves primary keys through a query.
	if err := m.load(ctx, name); err != nil {
		return 0, err
	}

	res, err := m.c.Delete(ctx, milvusclient.NewDeleteOption(name).WithExpr(expr))
	if err != nil {
		return 0, fmt.Errorf("deleting vectors: %w", err)
	}
	return int(res.DeleteCount), nil
}

func (m *milvusIndex) CountByDocument(ctx context.Context, kbUID types.KBUIDType, documentUID types.DocumentUIDType) (int, error) {
	name := KBCollectionName(kbUID)
	has, err := m.collectionExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, nil
	}
	if err := m.load(ctx, name); err != nil {
		return 0, err
	}

	rs, err := m.c.Query(ctx, milvusclient.NewQueryOption(name).
		WithFilter(documentFilter(documentUID)).
		WithOutputFields(countField).
		WithConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}

	col := rs.GetColumn(countField)
	if col == nil || col.Len() == 0 {
		return 0, nil
	}
	count, err := col.GetAsInt64(0)
	if err != nil {
		return 0, fmt.Errorf("reading vector count: %w", err)
	}
	return int(count), nil
}

func documentFilter(documentUID types.DocumentUIDType) string {
	return fmt.Sprintf(`%s == "%s"`, fieldDocumentUID, documentUID.String())
}

func orphanFilter(documentUID types.DocumentUIDType, maxValidChunkIndex int) string {
	return fmt.Sprintf(`%s and %s > %d`, documentFilter(documentUID), fieldChunkIndex, maxValidChunkIndex)
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
