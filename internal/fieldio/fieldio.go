// Package fieldio encodes sparse feature fields as Arrow records: one row
// per finest-level octree node with its batch id and fixed-size feature
// list. The same encoding backs the IPC stream files written by the CLI and
// the Flight transport.
package fieldio

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/metrics"
	"github.com/23skdu/longbow-octdiff/internal/octree"
)

const (
	ColBatchID = "batch_id"
	ColFeature = "feature"

	MetaDepth     = "depth"
	MetaBatchSize = "batch_size"
	MetaName      = "name"
)

var ErrSchema = errors.New("unexpected field schema")

// RecordReader is the subset of the ipc and flight readers Decode needs.
type RecordReader interface {
	Schema() *arrow.Schema
	Next() bool
	Record() arrow.Record
	Err() error
}

// Schema describes a field with the given channel count.
func Schema(channels int, depth, batchSize int, name string) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaDepth, MetaBatchSize, MetaName},
		[]string{strconv.Itoa(depth), strconv.Itoa(batchSize), name},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: ColBatchID, Type: arrow.PrimitiveTypes.Int32},
		{Name: ColFeature, Type: arrow.FixedSizeListOf(int32(channels), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// NewRecord builds a record holding t with the finest-level batch ids of oct.
// The caller releases it.
func NewRecord(mem memory.Allocator, t *device.Tensor, oct octree.Octree) (arrow.Record, error) {
	ids := oct.BatchID(oct.Depth(), true)
	if len(ids) != t.Rows() {
		return nil, fmt.Errorf("%w: %d batch ids for %d rows", device.ErrShapeMismatch, len(ids), t.Rows())
	}
	schema := Schema(t.Channels(), oct.Depth(), oct.BatchSize(), t.Name())

	idb := array.NewInt32Builder(mem)
	defer idb.Release()
	idb.Reserve(len(ids))
	for _, b := range ids {
		idb.Append(int32(b))
	}

	fb := array.NewFixedSizeListBuilder(mem, int32(t.Channels()), arrow.PrimitiveTypes.Float32)
	defer fb.Release()
	vb := fb.ValueBuilder().(*array.Float32Builder)
	vb.Reserve(t.NumElements())
	for r := 0; r < t.Rows(); r++ {
		fb.Append(true)
		vb.AppendValues(t.Row(r), nil)
	}

	idArr := idb.NewArray()
	defer idArr.Release()
	featArr := fb.NewArray()
	defer featArr.Release()

	return array.NewRecord(schema, []arrow.Array{idArr, featArr}, int64(t.Rows())), nil
}

// Decode drains rdr into a tensor and the packed batch it was written with.
func Decode(rdr RecordReader) (*device.Tensor, *octree.Batch, error) {
	schema := rdr.Schema()
	depth, batchSize, name, channels, err := parseSchema(schema)
	if err != nil {
		return nil, nil, err
	}

	var ids []int
	var data []float32
	for rdr.Next() {
		rec := rdr.Record()
		idCol, ok := rec.Column(0).(*array.Int32)
		if !ok {
			return nil, nil, fmt.Errorf("%w: column %s is %s", ErrSchema, ColBatchID, rec.Column(0).DataType())
		}
		featCol, ok := rec.Column(1).(*array.FixedSizeList)
		if !ok {
			return nil, nil, fmt.Errorf("%w: column %s is %s", ErrSchema, ColFeature, rec.Column(1).DataType())
		}
		values, ok := featCol.ListValues().(*array.Float32)
		if !ok {
			return nil, nil, fmt.Errorf("%w: feature values are %s", ErrSchema, featCol.ListValues().DataType())
		}

		for _, b := range idCol.Int32Values() {
			ids = append(ids, int(b))
		}
		start := featCol.Offset() * channels
		data = append(data, values.Float32Values()[start:start+featCol.Len()*channels]...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("read field records: %w", err)
	}

	batch, err := octree.NewBatch(batchSize, depth, map[int][]int{depth: ids})
	if err != nil {
		return nil, nil, err
	}
	if data == nil {
		data = []float32{}
	}
	t, err := device.NewTensor(name, len(ids), channels, data)
	if err != nil {
		return nil, nil, err
	}
	return t, batch, nil
}

func parseSchema(schema *arrow.Schema) (depth, batchSize int, name string, channels int, err error) {
	if schema.NumFields() != 2 || schema.Field(0).Name != ColBatchID || schema.Field(1).Name != ColFeature {
		return 0, 0, "", 0, fmt.Errorf("%w: %s", ErrSchema, schema)
	}
	fsl, ok := schema.Field(1).Type.(*arrow.FixedSizeListType)
	if !ok || fsl.Elem().ID() != arrow.FLOAT32 {
		return 0, 0, "", 0, fmt.Errorf("%w: feature type %s", ErrSchema, schema.Field(1).Type)
	}

	md := schema.Metadata()
	get := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("%w: missing metadata %q", ErrSchema, key)
		}
		return md.Values()[i], nil
	}
	atoi := func(key string) (int, error) {
		s, err := get(key)
		if err != nil {
			return 0, err
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%w: metadata %s=%q: %v", ErrSchema, key, s, err)
		}
		return v, nil
	}

	if depth, err = atoi(MetaDepth); err != nil {
		return 0, 0, "", 0, err
	}
	if batchSize, err = atoi(MetaBatchSize); err != nil {
		return 0, 0, "", 0, err
	}
	if name, err = get(MetaName); err != nil {
		return 0, 0, "", 0, err
	}
	return depth, batchSize, name, int(fsl.Len()), nil
}

// Write stores t as a single-record Arrow IPC stream.
func Write(w io.Writer, t *device.Tensor, oct octree.Octree) error {
	mem := memory.NewGoAllocator()
	rec, err := NewRecord(mem, t, oct)
	if err != nil {
		return err
	}
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write field %s: %w", t.Name(), err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("close field writer: %w", err)
	}
	metrics.RecordFieldTransfer("write", "ipc")
	return nil
}

// Read loads a field written by Write.
func Read(r io.Reader) (*device.Tensor, *octree.Batch, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, fmt.Errorf("open field stream: %w", err)
	}
	defer rdr.Release()

	t, batch, err := Decode(rdr)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordFieldTransfer("read", "ipc")
	return t, batch, nil
}
