package fieldio

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/octree"
)

func TestWriteRead(t *testing.T) {
	ctx := device.NewContext()
	field, batch, err := octree.SphereBatch(ctx, 3, []octree.Sphere{
		{Center: r3.Vector{}, Radius: 0.5},
		{Center: r3.Vector{Y: 0.1}, Radius: 0.3},
	}, 0.05, 4)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, field, batch))

	got, gotBatch, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, field.Dims(), got.Dims())
	assert.Equal(t, field.Data(), got.Data())
	assert.Equal(t, field.Name(), got.Name())
	assert.Equal(t, batch.BatchSize(), gotBatch.BatchSize())
	assert.Equal(t, batch.Depth(), gotBatch.Depth())
	assert.Equal(t, batch.BatchID(3, true), gotBatch.BatchID(3, true))
}

func TestNewRecordSchema(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	field, _ := device.FromRows("sdf", [][]float32{{0.1, 0.2}, {0.3, 0.4}, {0.5, 0.6}})
	batch, err := octree.NewBatch(2, 4, map[int][]int{4: {1, 0, 1}})
	require.NoError(t, err)

	rec, err := NewRecord(mem, field, batch)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(3), rec.NumRows())
	md := rec.Schema().Metadata()
	assert.Equal(t, "4", md.Values()[md.FindKey(MetaDepth)])
	assert.Equal(t, "2", md.Values()[md.FindKey(MetaBatchSize)])
	assert.Equal(t, "sdf", md.Values()[md.FindKey(MetaName)])

	ids := rec.Column(0).(*array.Int32).Int32Values()
	assert.Equal(t, []int32{1, 0, 1}, ids)
	feat := rec.Column(1).(*array.FixedSizeList)
	assert.Equal(t, 3, feat.Len())
}

func TestNewRecordRowMismatch(t *testing.T) {
	field, _ := device.FromRows("sdf", [][]float32{{0.1}})
	batch, err := octree.FromCounts(2, []int{2})
	require.NoError(t, err)

	_, err = NewRecord(memory.NewGoAllocator(), field, batch)
	assert.ErrorIs(t, err, device.ErrShapeMismatch)
}

func TestReadRejectsForeignSchema(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{{Name: "vector", Type: arrow.PrimitiveTypes.Float32}}, nil)
	b := array.NewFloat32Builder(mem)
	b.AppendValues([]float32{1, 2}, nil)
	col := b.NewArray()
	defer col.Release()
	rec := array.NewRecord(schema, []arrow.Array{col}, 2)
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	_, _, err := Read(&buf)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestReadMissingMetadata(t *testing.T) {
	schema := Schema(1, 2, 1, "x")
	bare := arrow.NewSchema(schema.Fields(), nil)

	_, _, _, _, err := parseSchema(bare)
	assert.ErrorIs(t, err, ErrSchema)
}
