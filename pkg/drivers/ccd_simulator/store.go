package ccd_simulator

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket         = "indigo"
	defaultWidth   = 320
	defaultHeight  = 240
	defaultReadout = 200
	defaultMaxGain = 500

	ccdConfigKey = "ccd_simulator_config"
)

type CCDConfig struct {
	Width     int     `json:"width"`      // pixels
	Height    int     `json:"height"`     // pixels
	ReadoutMs int     `json:"readout_ms"` // added to every exposure
	Gain      float64 `json:"gain"`
	MaxGain   float64 `json:"max_gain"`
}

var defaultConfig = CCDConfig{
	Width:     defaultWidth,
	Height:    defaultHeight,
	ReadoutMs: defaultReadout,
	MaxGain:   defaultMaxGain,
}

type store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*store, error) {
	st := store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default CCD simulator config")
		return s.SetConfig(defaultConfig)
	}

	return nil
}

// SetConfig saves the simulator configuration as a json string in the database.
func (s *store) SetConfig(cfg CCDConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(cfg)
		return b.Put([]byte(ccdConfigKey), value)
	})
}

// GetConfig retrieves the simulator configuration from the database.
func (s *store) GetConfig() (CCDConfig, error) {
	var cfg CCDConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(ccdConfigKey))
		if value == nil {
			return fmt.Errorf("key %s not found", ccdConfigKey)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}

// RemoveConfig deletes the saved configuration.
func (s *store) RemoveConfig() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(ccdConfigKey))
	})
}
