package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/lecturecap/internal/bus"
	"github.com/loqalabs/lecturecap/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrArtifactTooLarge is returned when a request exceeds the server's max
// payload and the artifact cannot be staged in JetStream instead.
var ErrArtifactTooLarge = errors.New("artifact exceeds bus max payload")

// artifactTTL bounds how long a staged artifact outlives a collaborator that
// never fetched it.
const artifactTTL = 24 * time.Hour

// BusUploader sends the request to a collaborator listening on the bus and
// waits for its reply. Requests that fit the server's max payload carry the
// artifact inline; larger artifacts are staged in a JetStream object store
// bucket and the request carries a reference to them.
type BusUploader struct {
	bus     *bus.Client
	subject string
	bucket  string
	timeout time.Duration
}

func NewBusUploader(busClient *bus.Client, subject, bucket string, timeout time.Duration) *BusUploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BusUploader{bus: busClient, subject: subject, bucket: bucket, timeout: timeout}
}

func (u *BusUploader) Upload(ctx context.Context, req Request) (string, error) {
	wire := toWire(req)
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal upload request: %w", err)
	}

	conn := u.bus.Conn()
	if limit := conn.MaxPayload(); int64(len(data)) > limit {
		ref, err := u.stage(req.Artifact.Data)
		if err != nil {
			return "", fmt.Errorf("%w (%d > %d bytes): %w", ErrArtifactTooLarge, len(data), limit, err)
		}
		wire.Artifact = nil
		wire.ArtifactRef = ref
		if data, err = json.Marshal(wire); err != nil {
			return "", fmt.Errorf("marshal upload request: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	msg, err := conn.RequestWithContext(ctx, u.subject, data)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}

	var reply protocol.UploadReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode upload reply: %w", err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("upload rejected: %s", reply.Error)
	}
	if reply.JobID == "" {
		return "", errors.New("upload reply missing job id")
	}
	return reply.JobID, nil
}

// stage writes artifact into the object store bucket, creating the bucket on
// first use.
func (u *BusUploader) stage(artifact []byte) (*protocol.ArtifactRef, error) {
	if u.bucket == "" {
		return nil, errors.New("no artifact bucket configured")
	}
	js, err := u.bus.Conn().JetStream(nats.MaxWait(u.timeout))
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	store, err := js.ObjectStore(u.bucket)
	if errors.Is(err, nats.ErrStreamNotFound) || errors.Is(err, nats.ErrBucketNotFound) {
		store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      u.bucket,
			Description: "lecture recordings awaiting upload",
			TTL:         artifactTTL,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact bucket %s: %w", u.bucket, err)
	}

	name := uuid.NewString()
	info, err := store.PutBytes(name, artifact)
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	return &protocol.ArtifactRef{
		Bucket: u.bucket,
		Name:   name,
		Size:   int64(info.Size),
		Digest: info.Digest,
	}, nil
}
