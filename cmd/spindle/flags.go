package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

// sizeValue is a byte count flag. Bare K, M, G and T suffixes are binary
// units; explicit units such as GB or GiB are parsed as written.
type sizeValue int64

var _ pflag.Value = (*sizeValue)(nil)

func (s *sizeValue) String() string {
	return humanize.IBytes(uint64(*s))
}

func (s *sizeValue) Set(v string) error {
	n, err := parseSize(v)
	if err != nil {
		return err
	}
	*s = sizeValue(n)
	return nil
}

func (s *sizeValue) Type() string {
	return "size"
}

func parseSize(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if n := len(v); n > 0 && strings.ContainsRune("KMGTkmgt", rune(v[n-1])) {
		v += "iB"
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", v)
	}
	return int64(n), nil
}
