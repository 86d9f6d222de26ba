package utils

// DownloadEntry is one line of a YAML batch list.
type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
}
