package engine

import "time"

type Status string

const (
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusFinished    Status = "finished"
	StatusError       Status = "error"
)

// Progress is one notification to the registered hooks. Zero numeric fields
// mean unknown, ETA is negative when unknown.
type Progress struct {
	ID                 string
	Status             Status
	Filename           string
	TmpFilename        string
	DownloadedBytes    int64
	TotalBytes         int64
	TotalBytesEstimate int64
	Elapsed            time.Duration
	Speed              float64
	ETA                time.Duration
	FragmentIndex      int
	FragmentCount      int
	Err                error
}

type ProgressHook func(Progress)

// CalcSpeed is bytes per second over elapsed, 0 when nothing can be said.
func CalcSpeed(elapsed time.Duration, bytes int64) float64 {
	if elapsed < time.Millisecond || bytes <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}

func CalcETA(speed float64, downloaded, total int64) time.Duration {
	if speed <= 0 || total <= 0 || downloaded > total {
		return -1
	}
	return time.Duration(float64(total-downloaded) / speed * float64(time.Second))
}

// EstimateTotal extrapolates the final size from the fragments written so far.
func EstimateTotal(downloaded int64, done, count int) int64 {
	if done <= 0 || count <= 0 {
		return 0
	}
	return downloaded / int64(done) * int64(count)
}
