package workspace

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var adjectives = []string{
	"amber", "bold", "bright", "calm", "coral",
	"crisp", "dusk", "fresh", "gold", "green",
	"keen", "lean", "mint", "pale", "quiet",
	"ruby", "sage", "slate", "swift", "teal",
	"warm", "wild", "wise", "young",
}

var nouns = []string{
	"arch", "beam", "brook", "cedar", "cliff",
	"cove", "crane", "delta", "drift", "ember",
	"fern", "finch", "forge", "gale", "grove",
	"hawk", "ledge", "maple", "otter", "ridge",
	"spark", "spruce", "thorn", "wren",
}

// generateBranchName produces a human-friendly branch name in the form
// "adjective-noun-NN". Collisions are possible in principle; callers
// retry through the normal duplicate-branch check.
func generateBranchName() string {
	return fmt.Sprintf("%s-%s-%02d", pickRandom(adjectives), pickRandom(nouns), randomInt(100))
}

func pickRandom(list []string) string {
	return list[randomInt(len(list))]
}

func randomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
