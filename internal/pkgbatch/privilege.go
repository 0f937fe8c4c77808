package pkgbatch

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// Identity is the user the run acts as once the privilege policy has been
// applied.
type Identity struct {
	Name     string
	Home     string
	Elevated bool // still running as root
}

// originalUser finds the non-root user that invoked us through a privilege
// wrapper. lookupEnv and lookupUser are injectable for tests.
func originalUser(lookupEnv func(string) (string, bool)) (*user.User, error) {
	if name, ok := lookupEnv("SUDO_USER"); ok && name != "" && name != "root" {
		return user.Lookup(name)
	}
	if name, ok := lookupEnv("DOAS_USER"); ok && name != "" && name != "root" {
		return user.Lookup(name)
	}
	if uid, ok := lookupEnv("PKEXEC_UID"); ok && uid != "" && uid != "0" {
		return user.LookupId(uid)
	}
	return nil, nil
}

// credentials resolves the numeric ids a drop to u installs: uid, primary
// gid and the supplementary groups, primary group first.
func credentials(u *user.User) (uid, gid int, groups []int, err error) {
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("invalid uid %q for %s: %w", u.Uid, u.Username, err)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("invalid gid %q for %s: %w", u.Gid, u.Username, err)
	}

	groups = []int{gid}
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			if g, err := strconv.Atoi(id); err == nil && g != gid {
				groups = append(groups, g)
			}
		}
	}
	return uid, gid, groups, nil
}

// dropPrivileges switches the whole process to u. The syscall set*id and
// setgroups calls apply to every OS thread; unix.Setgroups only changes the
// calling one.
func dropPrivileges(u *user.User) error {
	uid, gid, groups, err := credentials(u)
	if err != nil {
		return err
	}

	// Order matters: groups first, while we still may.
	if err := syscall.Setgroups(groups); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid(%d): %w", gid, err)
	}
	if err := syscall.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid(%d): %w", uid, err)
	}

	for key, value := range map[string]string{"HOME": u.HomeDir, "USER": u.Username, "LOGNAME": u.Username} {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	for _, key := range []string{"SUDO_USER", "SUDO_UID", "SUDO_GID", "SUDO_COMMAND", "DOAS_USER", "PKEXEC_UID"} {
		os.Unsetenv(key)
	}
	return nil
}

// privilegePolicy decides how a run may proceed given the effective uid.
type privilegePolicy struct {
	Geteuid   func() int
	LookupEnv func(string) (string, bool)
	Drop      func(*user.User) error
	Current   func() (*user.User, error)
}

func defaultPrivilegePolicy() privilegePolicy {
	return privilegePolicy{
		Geteuid:   os.Geteuid,
		LookupEnv: os.LookupEnv,
		Drop:      dropPrivileges,
		Current:   user.Current,
	}
}

// apply enforces the non-root policy: drop to the invoking user when one is
// known, carry on elevated when allowed, refuse otherwise.
func (p privilegePolicy) apply(allowRoot bool, w io.Writer) (*Identity, error) {
	if p.Geteuid() == 0 {
		orig, err := originalUser(p.LookupEnv)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve invoking user: %w", err)
		}
		switch {
		case orig != nil:
			debugf(w, "Dropping privileges to %s (uid %s)\n", orig.Username, orig.Uid)
			if err := p.Drop(orig); err != nil {
				return nil, &ExitError{Code: 1, Message: fmt.Sprintf("failed to drop privileges to %s: %v", orig.Username, err)}
			}
			return &Identity{Name: orig.Username, Home: orig.HomeDir}, nil
		case allowRoot:
			id := &Identity{Name: "root", Home: os.Getenv("HOME"), Elevated: true}
			if u, err := p.Current(); err == nil {
				id.Name = u.Username
				if id.Home == "" {
					id.Home = u.HomeDir
				}
			}
			return id, nil
		default:
			return nil, &ExitError{
				Code:    ExitRootRefused,
				Message: "Do not run pkgbatch as root. Run it as a regular user (install steps use sudo), or pass --docker/-e inside a container.",
			}
		}
	}

	u, err := p.Current()
	if err != nil {
		return nil, fmt.Errorf("cannot resolve current user: %w", err)
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = u.HomeDir
	}
	return &Identity{Name: u.Username, Home: home}, nil
}
