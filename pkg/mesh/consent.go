package mesh

import (
	"encoding/json"
	"os"
	"sync"
)

// ConsentStore supplies the user's data-sharing consent flag. The facade
// reads it once at Initialize; a consent change requires an explicit
// Shutdown/Initialize cycle.
type ConsentStore interface {
	Consent() (bool, error)
}

// StaticConsent is a fixed consent value, mainly for tests and tooling.
type StaticConsent bool

// Consent returns the fixed value.
func (c StaticConsent) Consent() (bool, error) {
	return bool(c), nil
}

// FileConsentStore reads consent from a JSON settings file. A missing file
// means consent has not been granted.
type FileConsentStore struct {
	lock     sync.Mutex
	filePath string
}

type consentSettings struct {
	ShareData bool `json:"shareData"`
}

// NewFileConsentStore creates a store backed by filePath.
func NewFileConsentStore(filePath string) *FileConsentStore {
	return &FileConsentStore{filePath: filePath}
}

// Consent reads the shareData flag.
func (cs *FileConsentStore) Consent() (bool, error) {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	file, err := os.ReadFile(cs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	var settings consentSettings
	if err := json.Unmarshal(file, &settings); err != nil {
		return false, err
	}
	return settings.ShareData, nil
}

// SetConsent persists the shareData flag.
func (cs *FileConsentStore) SetConsent(granted bool) error {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	file, err := json.MarshalIndent(consentSettings{ShareData: granted}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cs.filePath, file, 0644)
}
