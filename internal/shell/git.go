package shell

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/hexops/foreman/internal/errors"
)

// GitCheckout fetches refspecs from repoURL into dir and checks out sha. The directory is
// initialized on first use so later jobs of the same project fetch incrementally.
func GitCheckout(dir, repoURL string, refspecs []string, depth int, sha string) Cmd {
	return func(ctx context.Context, w io.Writer) error {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Wrap(err, "MkdirAll")
		}
		fetch := []string{"fetch", "--prune", "--quiet"}
		if depth > 0 {
			fetch = append(fetch, "--depth", strconv.Itoa(depth))
		}
		fetch = append(fetch, "origin")
		fetch = append(fetch, refspecs...)

		var cmds []Cmd
		if _, err := os.Stat(dir + "/.git"); os.IsNotExist(err) {
			cmds = append(cmds,
				ExecArgs("git", []string{"init", "--quiet"}, WorkDir(dir)),
				ExecArgs("git", []string{"remote", "add", "origin", repoURL}, WorkDir(dir)),
			)
		} else {
			cmds = append(cmds, ExecArgs("git", []string{"remote", "set-url", "origin", repoURL}, WorkDir(dir)))
		}
		cmds = append(cmds,
			ExecArgs("git", fetch, WorkDir(dir)),
			ExecArgs("git", []string{"checkout", "--force", "--quiet", sha}, WorkDir(dir)),
			ExecArgs("git", []string{"clean", "-ffdx", "--quiet"}, WorkDir(dir)),
		)
		return Sequence(cmds...)(ctx, w)
	}
}
