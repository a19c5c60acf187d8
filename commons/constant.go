package commons

const (
	ClientProgramName string = "imagepool"

	CacheSizeMaxDefault   int64 = 64 * 1024 * 1024 // 64MB
	DecodePoolSizeDefault int   = 0                // 0 means NumCPU+1
	DecodeWidthDefault    int   = 0                // 0 means natural size
	DecodeHeightDefault   int   = 0

	LogFileName string = "imagepool.log"
)
