package models

// Backend selects where an account's tree is replicated besides the
// local mirror.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendS3     Backend = "s3"
	BackendWebDAV Backend = "webdav"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendLocal, BackendS3, BackendWebDAV:
		return true
	}

	return false
}

// StorageConfig is the per-account remote storage setting. Credential
// fields (AccessKeyID, SecretAccessKey, Password) hold ciphertext
// produced by the secret box, never plain values. The sync engine only
// reads this type.
type StorageConfig struct {
	AccountID string  `json:"accountId"`
	Backend   Backend `json:"backend"`

	// S3
	Endpoint        string `json:"endpoint,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	Region          string `json:"region,omitempty"`
	ForcePathStyle  bool   `json:"forcePathStyle,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`

	// WebDAV
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	UpdatedAt int64 `json:"updatedAt"`
}

// IsRemote reports whether the config points at a non-local backend.
func (c StorageConfig) IsRemote() bool {
	return c.Backend == BackendS3 || c.Backend == BackendWebDAV
}
