package storage

// ObjectRecord is the local index row for a stored object. The filesystem
// stays authoritative; the index answers listing and stats queries without
// walking the storage root.
type ObjectRecord struct {
	Key       string `json:"key"`
	Bucket    string `json:"bucket"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type,omitempty"`
	FileType  string `json:"file_type,omitempty"`
	Owner     string `json:"owner,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// BucketStats aggregates the index per bucket.
type BucketStats struct {
	Bucket  string `json:"bucket"`
	Objects int64  `json:"objects"`
	Bytes   int64  `json:"bytes"`
}

// Stats totals the index.
type Stats struct {
	Objects int64         `json:"objects"`
	Bytes   int64         `json:"bytes"`
	Buckets []BucketStats `json:"buckets"`
}
