package utils

import (
	"regexp"
)

const DefaultChunkSize = 32 * 1024           // per-read buffer, cancellation is checked once per chunk
const SocketBufferSize = 1024 * 1024 * 8     // 8MB socket buffers in high-connection mode
const DefaultMultipartThreshold = 4 * 1024 * 1024
const TempDirName = ".segget-temp"
const LogFile = ".segget.log"
const ToolUserAgent = "segget/1337"

// MaxAutoRenameVariants bounds the "name (n).ext" scan used when a target name
// is already taken. Tunable; the scan covers the bare name plus this many variants.
const MaxAutoRenameVariants = 10

var PartIndexRegex = regexp.MustCompile(`\.part(\d+)$`)
var fileNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. \(\)]+`)

// Local-only User-Agent list
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 Edg/132.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"curl/7.88.1",
	"Wget/1.21.4",
}
