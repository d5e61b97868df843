package anomaly

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	modelBucket = []byte("anomaly")
	modelKey    = []byte("model")
)

// modelArtifact bundles everything needed to score with a trained model.
type modelArtifact struct {
	Forest         *Forest
	Scaler         *Scaler
	FeatureColumns []string
	TrainedAt      time.Time
	TrainedSamples int
}

// saveModel persists the artifact to the model database at path.
func saveModel(path string, m *modelArtifact) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open model store: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(modelBucket)
		if err != nil {
			return err
		}
		return b.Put(modelKey, buf.Bytes())
	})
}

// loadModel reads a previously saved artifact, returning nil when none
// exists yet.
func loadModel(path string) (*modelArtifact, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open model store: %w", err)
	}
	defer db.Close()

	var data []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(modelBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(modelKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var m modelArtifact
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	return &m, nil
}
