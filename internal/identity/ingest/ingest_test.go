package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"idlookup/internal/identity/metrics"
	"idlookup/internal/identity/models"
	"idlookup/internal/platform/kafka/consumer"
	dErrors "idlookup/pkg/domain-errors"
)

type call struct {
	op   string
	ref  models.UTXOReference
	cert models.Certificate
}

type fakeIndex struct {
	calls []call
	err   error
}

func (f *fakeIndex) StoreRecord(_ context.Context, txid string, outputIndex uint32, cert models.Certificate) error {
	f.calls = append(f.calls, call{op: "store", ref: models.UTXOReference{Txid: txid, OutputIndex: outputIndex}, cert: cert})
	return f.err
}

func (f *fakeIndex) DeleteRecord(_ context.Context, txid string, outputIndex uint32) error {
	f.calls = append(f.calls, call{op: "delete", ref: models.UTXOReference{Txid: txid, OutputIndex: outputIndex}})
	return f.err
}

type IngestHandlerSuite struct {
	suite.Suite
	index   *fakeIndex
	metrics *metrics.Metrics
	handler *Handler
}

func TestIngestHandlerSuite(t *testing.T) {
	suite.Run(t, new(IngestHandlerSuite))
}

func (s *IngestHandlerSuite) SetupSubTest() {
	s.index = &fakeIndex{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	var err error
	s.handler, err = New(s.index,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
}

func (s *IngestHandlerSuite) handle(value string) error {
	return s.handler.Handle(context.Background(), &consumer.Message{
		Topic: "identity.outputs",
		Value: []byte(value),
	})
}

func (s *IngestHandlerSuite) TestNew() {
	s.Run("nil index returns error", func() {
		_, err := New(nil)
		s.ErrorContains(err, "identity index is required")
	})
}

func (s *IngestHandlerSuite) TestAppliesEvents() {
	s.Run("admitted output stores the certificate", func() {
		err := s.handle(`{"kind":"admitted","txid":"t1","outputIndex":2,
			"certificate":{"subject":"pub1","certifier":"cert1","type":"typeA","serialNumber":"sn1","fields":{"name":"Alice"}}}`)
		s.Require().NoError(err)
		s.Require().Len(s.index.calls, 1)
		got := s.index.calls[0]
		s.Equal("store", got.op)
		s.Equal(models.UTXOReference{Txid: "t1", OutputIndex: 2}, got.ref)
		s.Equal("pub1", got.cert.Subject)
		s.Equal("Alice", got.cert.Fields["name"])
		s.Equal(1.0, testutil.ToFloat64(s.metrics.IngestedEvents.WithLabelValues("admitted", "applied")))
	})

	s.Run("spent output deletes the record", func() {
		s.Require().NoError(s.handle(`{"kind":"spent","txid":"t1","outputIndex":2}`))
		s.Equal([]call{{op: "delete", ref: models.UTXOReference{Txid: "t1", OutputIndex: 2}}}, s.index.calls)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.IngestedEvents.WithLabelValues("spent", "applied")))
	})
}

func (s *IngestHandlerSuite) TestSkipsMalformedEvents() {
	cases := map[string]string{
		"invalid json":                 `{"kind":`,
		"missing txid":                 `{"kind":"spent","outputIndex":1}`,
		"unknown kind":                 `{"kind":"burned","txid":"t1"}`,
		"admitted without certificate": `{"kind":"admitted","txid":"t1"}`,
		"negative output index":        `{"kind":"spent","txid":"t1","outputIndex":-1}`,
	}
	for name, value := range cases {
		s.Run(name, func() {
			s.NoError(s.handle(value))
			s.Empty(s.index.calls)
			s.Equal(1.0, testutil.ToFloat64(s.metrics.IngestedEvents.WithLabelValues("unknown", "malformed")))
		})
	}
}

func (s *IngestHandlerSuite) TestIndexErrors() {
	s.Run("bad request from index is acknowledged", func() {
		s.index.err = dErrors.New(dErrors.CodeBadRequest, "txid is required")
		s.NoError(s.handle(`{"kind":"spent","txid":"t1","outputIndex":0}`))
		s.Equal(1.0, testutil.ToFloat64(s.metrics.IngestedEvents.WithLabelValues("spent", "rejected")))
	})

	s.Run("store failure is returned for retry", func() {
		storeErr := dErrors.Wrap(errors.New("connection reset"), dErrors.CodeInternal, "failed to delete identity record")
		s.index.err = storeErr
		err := s.handle(`{"kind":"spent","txid":"t1","outputIndex":0}`)
		s.Require().Error(err)
		s.ErrorIs(err, storeErr)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.IngestedEvents.WithLabelValues("spent", "failed")))
	})
}
