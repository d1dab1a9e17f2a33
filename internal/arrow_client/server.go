package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-octdiff/internal/logger"
	"github.com/23skdu/longbow-octdiff/internal/metrics"
)

type storedField struct {
	schema *arrow.Schema
	recs   []arrow.Record
	rows   int64
}

func (f *storedField) release() {
	for _, rec := range f.recs {
		rec.Release()
	}
	f.recs = nil
}

// FieldServer is an in-memory Flight service holding named feature fields.
type FieldServer struct {
	flight.BaseFlightServer

	mu     sync.RWMutex
	fields map[string]*storedField
	mem    memory.Allocator
	srv    flight.Server
	log    *logger.Logger
}

func NewFieldServer() *FieldServer {
	return &FieldServer{
		fields: make(map[string]*storedField),
		mem:    memory.NewGoAllocator(),
		log:    logger.Log.Component("flight"),
	}
}

// Start listens on addr and serves in the background.
func (s *FieldServer) Start(addr string) (net.Addr, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(s)
	s.srv = srv

	go func() {
		if err := srv.Serve(); err != nil {
			s.log.Error("flight server stopped", "error", err)
		}
	}()
	s.log.Info("flight server listening", "addr", srv.Addr().String())
	return srv.Addr(), nil
}

// Stop shuts the server down and drops every stored field.
func (s *FieldServer) Stop() {
	if s.srv != nil {
		s.srv.Shutdown()
		s.srv = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, f := range s.fields {
		f.release()
		delete(s.fields, name)
	}
}

// Names lists stored fields in sorted order.
func (s *FieldServer) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *FieldServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read put stream: %v", err)
	}
	defer rdr.Release()

	name, err := fieldName(rdr.LatestFlightDescriptor())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	f := &storedField{schema: rdr.Schema()}
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		f.recs = append(f.recs, rec)
		f.rows += rec.NumRows()
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		f.release()
		return status.Errorf(codes.Internal, "failed to read field %s: %v", name, err)
	}

	s.mu.Lock()
	if old, ok := s.fields[name]; ok {
		old.release()
	}
	s.fields[name] = f
	s.mu.Unlock()

	metrics.RecordFieldTransfer("put", "flight_server")
	s.log.Debug("stored field", "name", name, "rows", f.rows, "records", len(f.recs))
	return nil
}

func (s *FieldServer) info(name string, f *storedField) *flight.FlightInfo {
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(f.schema, s.mem),
		FlightDescriptor: FieldDescriptor(name),
		Endpoint:         []*flight.FlightEndpoint{{Ticket: FieldTicket(name)}},
		TotalRecords:     f.rows,
		TotalBytes:       -1,
	}
}

func (s *FieldServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	name, err := fieldName(desc)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "field %s not found", name)
	}
	return s.info(name, f), nil
}

func (s *FieldServer) ListFlights(c *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	for _, name := range s.Names() {
		s.mu.RLock()
		f, ok := s.fields[name]
		var info *flight.FlightInfo
		if ok {
			info = s.info(name, f)
		}
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *FieldServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name, err := ticketName(tkt)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.RLock()
	f, ok := s.fields[name]
	var recs []arrow.Record
	if ok {
		for _, rec := range f.recs {
			rec.Retain()
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.NotFound, "field %s not found", name)
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(f.schema), ipc.WithAllocator(s.mem))
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return status.Errorf(codes.Internal, "failed to send field %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	metrics.RecordFieldTransfer("get", "flight_server")
	return nil
}
