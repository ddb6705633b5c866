package control

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket      = "indigo"
	settingsKey = "control_settings"
)

// Settings are edited from the setup page and used at the next start.
type Settings struct {
	DeviceName string
	Driver     string
	Mode       string
	ImagesDir  string
	Verbosity  int
}

type Store struct {
	db *bolt.DB
}

// NewStore opens the settings store, saving defaults when nothing is
// stored yet.
func NewStore(db *bolt.DB, defaults Settings) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(defaults); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults(defaults Settings) error {
	if _, err := s.GetSettings(); err != nil {
		log.Infof("Setting default control settings")
		return s.SetSettings(defaults)
	}
	return nil
}

func (s *Store) SetSettings(st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(st)
		return b.Put([]byte(settingsKey), value)
	})
}

func (s *Store) GetSettings() (Settings, error) {
	var st Settings

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(settingsKey))
		if value == nil {
			return fmt.Errorf("key %s not found", settingsKey)
		}

		return json.Unmarshal(value, &st)
	})

	return st, err
}

func (st Settings) Validate() error {
	switch st.Mode {
	case "general":
	case "single":
		if st.DeviceName == "" {
			return fmt.Errorf("device name cannot be empty in single mode")
		}
	default:
		return fmt.Errorf("invalid mode: %q", st.Mode)
	}

	if st.Verbosity < 0 || st.Verbosity > 3 {
		return fmt.Errorf("invalid verbosity: %d", st.Verbosity)
	}
	return nil
}
