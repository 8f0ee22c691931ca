// Package recorder writes gator samples of a drain cycle to CSV files.
package recorder

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	log "github.com/sirupsen/logrus"

	"github.com/mpg-foss/autofoss/controller/modules/gator"
	"github.com/mpg-foss/autofoss/controller/prompts"
)

const (
	FileSuffix      = "_gator_data.csv"
	fileStampLayout = "20060102150405"
	timestampLayout = "2006-01-02 15:04:05.000000"
	// rough size of one row, used for the free space estimate
	bytesPerRow = 160
)

// Header is the first row of every file.
var Header = []string{
	"Timestamp", "Elapsed", "Current Weight",
	"Sensor 1", "Sensor 2", "Sensor 3", "Sensor 4",
	"Sensor 5", "Sensor 6", "Sensor 7", "Sensor 8",
}

type Config struct {
	Dir string `json:"dir" yaml:"dir"`
	// Retries caps how often the operator is offered another attempt.
	Retries int `json:"retries" yaml:"retries"`
}

func DefaultConfig() Config {
	return Config{Dir: "data", Retries: 3}
}

type Recorder struct {
	config Config
	prompt prompts.Prompt
	now    func() time.Time
}

// New returns a recorder. A nil prompt disables the retry dialog and write
// failures are returned straight away.
func New(c Config, p prompts.Prompt) *Recorder {
	return &Recorder{
		config: c,
		prompt: p,
		now:    time.Now,
	}
}

// FileName is the name of a file created at t.
func FileName(t time.Time) string {
	return t.Format(fileStampLayout) + FileSuffix
}

// Write stores samples in a new file and returns its path. On failure the
// operator is asked to fix the problem and the same write is attempted again,
// at most Retries times. Once ctx is done a failure is returned as is.
func (r *Recorder) Write(ctx context.Context, samples []gator.Sample) (string, error) {
	path := filepath.Join(r.config.Dir, FileName(r.now()))
	for attempt := 0; ; attempt++ {
		err := r.write(path, samples)
		if err == nil {
			log.Infof("recorder: wrote %s samples to %s", humanize.Comma(int64(len(samples))), path)
			return path, nil
		}
		log.Errorf("recorder: failed to write %s. Error: %s", path, err)
		if r.prompt == nil || attempt >= r.config.Retries || ctx.Err() != nil {
			return "", err
		}
		retry, perr := r.confirm(ctx, fmt.Sprintf("Could not save %s (%s). Free up space and retry?", path, err))
		if perr != nil {
			return "", fmt.Errorf("%w (prompt: %v)", err, perr)
		}
		if !retry {
			return "", err
		}
	}
}

type answer struct {
	retry bool
	err   error
}

// confirm asks the retry question, defaulting to no. It gives up when ctx is
// done even if the operator has not answered.
func (r *Recorder) confirm(ctx context.Context, msg string) (bool, error) {
	answers := make(chan answer, 1)
	go func() {
		ok, err := r.prompt.Confirm(msg, false)
		answers <- answer{retry: ok, err: err}
	}()
	select {
	case a := <-answers:
		return a.retry, a.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *Recorder) write(path string, samples []gator.Sample) error {
	if err := os.MkdirAll(r.config.Dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	r.checkSpace(uint64(len(samples)+1) * bytesPerRow)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return err
	}
	for _, s := range samples {
		if err := w.Write(Row(s)); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *Recorder) checkSpace(need uint64) {
	usage, err := disk.Usage(r.config.Dir)
	if err != nil {
		log.Debugf("recorder: disk usage of %s unavailable: %s", r.config.Dir, err)
		return
	}
	if usage.Free < need {
		log.Warnf("recorder: only %s free in %s, about %s needed",
			humanize.Bytes(usage.Free), r.config.Dir, humanize.Bytes(need))
	}
}

// Row formats a sample as a CSV record.
func Row(s gator.Sample) []string {
	row := make([]string, 0, len(Header))
	row = append(row,
		s.Timestamp.Format(timestampLayout),
		strconv.FormatFloat(s.Elapsed, 'f', 3, 64),
		strconv.FormatFloat(s.Weight, 'f', 2, 64),
	)
	for _, v := range s.Sensors {
		row = append(row, strconv.FormatFloat(v, 'f', 5, 64))
	}
	return row
}
