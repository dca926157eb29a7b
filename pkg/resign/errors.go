package resign

import (
	"errors"
	"fmt"
)

// ErrNotSignable is the base classification for inputs the pipeline cannot
// process at all: unrecognized containers, non-native bundles, missing helper
// tools, missing executables.
var ErrNotSignable = errors.New("not signable")

// ErrNotMatched reports that no format variant recognized the input, or that
// re-validation of the extracted bundle failed. It is a subtype of
// ErrNotSignable: errors.Is(err, ErrNotSignable) holds for both.
var ErrNotMatched = fmt.Errorf("%w: no matching app format", ErrNotSignable)
