package kafka

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type fakeRequest struct {
	corrID int32
	req    kmsg.Request
}

// fakeBroker speaks just enough of the Kafka protocol to answer ApiVersions
// and Metadata requests.
type fakeBroker struct {
	t  *testing.T
	nc net.Conn

	mu     sync.Mutex
	topics map[string]int
}

func newFakeBroker(t *testing.T, nc net.Conn) *fakeBroker {
	return &fakeBroker{t: t, nc: nc, topics: make(map[string]int)}
}

func (b *fakeBroker) setTopic(topic string, partitions int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = partitions
}

func (b *fakeBroker) readRequest() (fakeRequest, error) {
	var size [4]byte
	if _, err := io.ReadFull(b.nc, size[:]); err != nil {
		return fakeRequest{}, err
	}
	body := make([]byte, binary.BigEndian.Uint32(size[:]))
	if _, err := io.ReadFull(b.nc, body); err != nil {
		return fakeRequest{}, err
	}

	r := kbin.Reader{Src: body}
	key := r.Int16()
	version := r.Int16()
	corrID := r.Int32()
	r.NullableString()

	req := kmsg.RequestForKey(key)
	if req == nil {
		return fakeRequest{}, fmt.Errorf("unknown api key %d", key)
	}
	req.SetVersion(version)
	if req.IsFlexible() {
		skipTags(&r)
	}
	if err := req.ReadFrom(r.Src); err != nil {
		return fakeRequest{}, err
	}

	return fakeRequest{corrID: corrID, req: req}, nil
}

func (b *fakeBroker) writeResponse(corrID int32, req kmsg.Request, resp kmsg.Response) error {
	resp.SetVersion(req.GetVersion())
	buf := kbin.AppendInt32(nil, 0)
	buf = kbin.AppendInt32(buf, corrID)
	if resp.IsFlexible() && req.Key() != int16(kmsg.ApiVersions) {
		buf = append(buf, 0)
	}
	buf = resp.AppendTo(buf)
	binary.BigEndian.PutUint32(buf, uint32(len(buf)-4))
	_, err := b.nc.Write(buf)
	return err
}

func (b *fakeBroker) writeRaw(corrID int32) error {
	buf := kbin.AppendInt32(nil, 4)
	buf = kbin.AppendInt32(buf, corrID)
	_, err := b.nc.Write(buf)
	return err
}

func (b *fakeBroker) respond(fr fakeRequest) kmsg.Response {
	switch req := fr.req.(type) {
	case *kmsg.ApiVersionsRequest:
		resp := kmsg.NewPtrApiVersionsResponse()
		for _, k := range []struct{ key, max int16 }{
			{int16(kmsg.ApiVersions), 3},
			{int16(kmsg.Metadata), 9},
		} {
			ak := kmsg.NewApiVersionsResponseApiKey()
			ak.ApiKey = k.key
			ak.MaxVersion = k.max
			resp.ApiKeys = append(resp.ApiKeys, ak)
		}
		return resp
	case *kmsg.MetadataRequest:
		resp := kmsg.NewPtrMetadataResponse()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, rt := range req.Topics {
			t := kmsg.NewMetadataResponseTopic()
			t.Topic = rt.Topic
			n, ok := b.topics[*rt.Topic]
			if !ok {
				t.ErrorCode = 3 // UNKNOWN_TOPIC_OR_PARTITION
			}
			for i := 0; i < n; i++ {
				p := kmsg.NewMetadataResponseTopicPartition()
				p.Partition = int32(i)
				t.Partitions = append(t.Partitions, p)
			}
			resp.Topics = append(resp.Topics, t)
		}
		return resp
	default:
		b.t.Errorf("unexpected request %T", req)
		return nil
	}
}

// serve answers requests in order until the connection closes.
func (b *fakeBroker) serve() {
	for {
		fr, err := b.readRequest()
		if err != nil {
			return
		}
		resp := b.respond(fr)
		if resp == nil {
			return
		}
		if err := b.writeResponse(fr.corrID, fr.req, resp); err != nil {
			return
		}
	}
}

// handshake answers the ApiVersions request a new connection sends.
func (b *fakeBroker) handshake() error {
	fr, err := b.readRequest()
	if err != nil {
		return err
	}
	if fr.req.Key() != int16(kmsg.ApiVersions) {
		return fmt.Errorf("expected ApiVersions, got %s", kmsg.NameForKey(fr.req.Key()))
	}
	return b.writeResponse(fr.corrID, fr.req, b.respond(fr))
}

// listenFakeBroker serves every accepted connection on a loopback listener.
func listenFakeBroker(t *testing.T, topics map[string]int) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	go func() {
		for {
			nc, err := lis.Accept()
			if err != nil {
				return
			}
			b := newFakeBroker(t, nc)
			for topic, n := range topics {
				b.setTopic(topic, n)
			}
			go func() {
				defer nc.Close()
				b.serve()
			}()
		}
	}()

	return lis.Addr().String()
}
