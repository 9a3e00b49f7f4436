package types

// RangeRequest asks a serving device for one bounded chunk of a file.
type RangeRequest struct {
	File   string `json:"file"`
	Start  int64  `json:"start"`
	Length int    `json:"length"`
}

// RangeResponse carries one chunk back to the requester. Data is the chunk
// encoded as base64. EOF is set whenever Size < Length, including on error
// responses (Size 0). Error, when present, is fatal to the fetch session.
type RangeResponse struct {
	File   string `json:"file"`
	Start  int64  `json:"start"`
	Length int    `json:"length"`
	Size   int    `json:"size"`
	Data   string `json:"data,omitempty"`
	EOF    bool   `json:"eof"`
	Error  string `json:"error,omitempty"`
}

// ManifestEntry describes one managed file in a manifest.
type ManifestEntry struct {
	Version string `json:"version"`
	Hash    string `json:"hash,omitempty"`
}

// ManifestFile is the envelope form of a manifest. The flat form (a bare
// path -> entry map) is also accepted on parse; see updater.ParseManifest.
type ManifestFile struct {
	Files     map[string]ManifestEntry `json:"files"`
	Device    string                   `json:"device,omitempty"`
	Generated string                   `json:"generated,omitempty"`
}

// FetchStatus is a read-only view of the transfer client session.
type FetchStatus struct {
	Active bool   `json:"active"`
	File   string `json:"file,omitempty"`
	Dest   string `json:"dest,omitempty"`
	Bytes  int64  `json:"bytes"`
	Chunk  int    `json:"chunk,omitempty"`
}

// FetchRequest is the HTTP payload for starting a manual fetch.
type FetchRequest struct {
	File   string `json:"file"`
	Dest   string `json:"dest,omitempty"`
	Chunk  int    `json:"chunk,omitempty"`
	Source string `json:"source,omitempty"`
}

// StatusResponse reports daemon state: updater phase plus transfer session.
type StatusResponse struct {
	Device  string      `json:"device"`
	Phase   string      `json:"phase"`
	Error   string      `json:"error,omitempty"`
	Fetch   FetchStatus `json:"fetch"`
	Pending []string    `json:"pending,omitempty"`
	Newer   []string    `json:"newer,omitempty"`
}
