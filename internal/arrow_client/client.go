package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/fieldio"
	"github.com/23skdu/longbow-octdiff/internal/metrics"
	"github.com/23skdu/longbow-octdiff/internal/octree"
)

const (
	// DefaultPort is the Flight port fields are exchanged on.
	DefaultPort = 3000

	fieldPrefix = "fields"
)

var (
	ErrNotConnected = errors.New("client not connected, call Connect() first")
	ErrNotFound     = errors.New("field not found")
)

// FieldStore moves feature fields to and from a remote store.
type FieldStore interface {
	Connect(ctx context.Context) error
	Close() error
	PutField(ctx context.Context, name string, t *device.Tensor, oct octree.Octree) error
	GetField(ctx context.Context, name string) (*device.Tensor, *octree.Batch, error)
	ListFields(ctx context.Context) ([]string, error)
}

// FieldDescriptor is the Flight path descriptor a field is stored under.
func FieldDescriptor(name string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{fieldPrefix, name},
	}
}

// FieldTicket is the ticket a field is fetched with.
func FieldTicket(name string) *flight.Ticket {
	return &flight.Ticket{Ticket: []byte("/" + fieldPrefix + "/" + name)}
}

func fieldName(desc *flight.FlightDescriptor) (string, error) {
	if desc == nil || desc.Type != flight.DescriptorPATH || len(desc.Path) != 2 || desc.Path[0] != fieldPrefix {
		return "", fmt.Errorf("unsupported descriptor %v", desc)
	}
	return desc.Path[1], nil
}

func ticketName(tkt *flight.Ticket) (string, error) {
	name, ok := strings.CutPrefix(string(tkt.GetTicket()), "/"+fieldPrefix+"/")
	if !ok || name == "" {
		return "", fmt.Errorf("unsupported ticket %q", tkt.GetTicket())
	}
	return name, nil
}

// FlightClient exchanges feature fields with a Flight server.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

func NewFlightClient(host string, port int) (*FlightClient, error) {
	if host == "" {
		return nil, errors.New("empty flight host")
	}
	if port <= 0 {
		port = DefaultPort
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
	}, nil
}

func (fc *FlightClient) Addr() string {
	return fc.addr
}

// Connect establishes connection to Flight server
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

// Close disconnects from Flight server
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// PutField uploads t under name, replacing any previous field.
func (fc *FlightClient) PutField(ctx context.Context, name string, t *device.Tensor, oct octree.Octree) error {
	if fc.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	mem := memory.NewGoAllocator()
	rec, err := fieldio.NewRecord(mem, t, oct)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(FieldDescriptor(name))
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write field %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close DoPut stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut %s: %w", name, err)
		}
	}

	metrics.RecordFieldTransfer("put", "flight")
	return nil
}

// GetField downloads the field stored under name.
func (fc *FlightClient) GetField(ctx context.Context, name string) (*device.Tensor, *octree.Batch, error) {
	if fc.client == nil {
		return nil, nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	info, err := fc.client.GetFlightInfo(ctx, FieldDescriptor(name))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get flight info for %s: %w", name, err)
	}
	if len(info.Endpoint) == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no endpoints", ErrNotFound, name)
	}

	stream, err := fc.client.DoGet(ctx, info.Endpoint[0].Ticket)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create DoGet stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read field %s: %w", name, err)
	}
	defer rdr.Release()

	t, batch, err := fieldio.Decode(rdr)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordFieldTransfer("get", "flight")
	return t, batch, nil
}

// ListFields returns the names of fields held by the server.
func (fc *FlightClient) ListFields(ctx context.Context) ([]string, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	var names []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list flights: %w", err)
		}
		if name, err := fieldName(info.GetFlightDescriptor()); err == nil {
			names = append(names, name)
		}
	}
	return names, nil
}
