package activation

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

type storeData struct {
	CodesByAddress map[string]StoredCode `json:"codes_by_address"`
}

// StoredCode is a code known to work for one device.
type StoredCode struct {
	Code  string `json:"code"`
	Model string `json:"model"`
}

// Store persists discovered activation codes per device address.
type Store struct {
	filePath string
	data     storeData
	logger   *log.Logger
}

func NewStore(logger *log.Logger) *Store {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	s := &Store{
		filePath: filepath.Join(homeDir, ".ifit", "activation.json"),
		logger:   logger,
	}
	s.load()
	return s
}

func (s *Store) Get(address string) (StoredCode, bool) {
	code, ok := s.data.CodesByAddress[address]
	return code, ok
}

func (s *Store) Put(address string, code StoredCode) {
	s.data.CodesByAddress[address] = code
	s.save()
}

func (s *Store) load() {
	s.data = storeData{CodesByAddress: make(map[string]StoredCode)}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		s.logger.Printf("ActivationStore: load %s (no existing file)", s.filePath)
		return
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.logger.Printf("ActivationStore: load %s failed to parse: %v", s.filePath, err)
		return
	}
	if s.data.CodesByAddress == nil {
		s.data.CodesByAddress = make(map[string]StoredCode)
	}
}

func (s *Store) save() {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		s.logger.Printf("ActivationStore: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.logger.Printf("ActivationStore: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(s.filePath, raw, 0644); err != nil {
		s.logger.Printf("ActivationStore: save %s failed: %v", s.filePath, err)
	}
}
