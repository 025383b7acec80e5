package source

import (
	"errors"
	"fmt"

	"github.com/lanlift/lanlift/internal/constants"
)

// ErrPartSizeOverflow indicates no part size within the configured cap can
// keep the part count under the storage engine's limit.
var ErrPartSizeOverflow = errors.New("file too large for part count limit")

// AutoSizePart picks the effective part size for a file. The preferred size
// is kept when it fits the part-count limit; otherwise the size is raised to
// the next 16 MiB multiple large enough, capped at maxPart. Returns
// ErrPartSizeOverflow when even the capped size would exceed maxParts.
func AutoSizePart(fileSize, preferred, minPart, maxPart int64, maxParts int) (int64, error) {
	if preferred < minPart {
		preferred = minPart
	}
	if fileSize == 0 {
		return preferred, nil
	}

	if countParts(fileSize, preferred) <= maxParts {
		return preferred, nil
	}

	minRequired := (fileSize + int64(maxParts) - 1) / int64(maxParts)
	aligned := (minRequired/constants.PartSizeAlignment + 1) * constants.PartSizeAlignment
	if aligned > maxPart {
		aligned = maxPart
	}

	if countParts(fileSize, aligned) > maxParts {
		return 0, fmt.Errorf("%w: %d bytes need parts larger than %d", ErrPartSizeOverflow, fileSize, maxPart)
	}
	return aligned, nil
}

func countParts(fileSize, partSize int64) int {
	return int((fileSize + partSize - 1) / partSize)
}
