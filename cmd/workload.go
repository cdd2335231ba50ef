// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mskim5383/pintos-go/cfg"
	"github.com/mskim5383/pintos-go/internal/kernel"
	"github.com/mskim5383/pintos-go/internal/proc"
	"github.com/mskim5383/pintos-go/internal/syscall"
)

// runWorkload mounts the kernel described by c, spawns one process
// against it, and feeds that process one syscall per line read from
// scriptPath (or, if scriptPath is empty, from stdin interactively).
// Each line is "name arg...", e.g. "create foo.txt 0" or "write 2 hi".
// Results print to stdout as "-> value" or "!! error"; a trailing
// buffer-cache and free-map report prints on shutdown.
func runWorkload(ctx context.Context, c *cfg.Config, scriptPath string, stdout, stdin *os.File) error {
	k, err := kernel.Mount(ctx, c)
	if err != nil {
		return fmt.Errorf("mounting kernel: %w", err)
	}
	defer func() {
		printReport(stdout, k)
		if err := k.Shutdown(); err != nil {
			fmt.Fprintln(stdout, "!! shutdown:", err)
		}
	}()

	var src io.Reader = stdin
	if scriptPath != "" {
		f, err := os.Open(scriptPath)
		if err != nil {
			return fmt.Errorf("opening workload script: %w", err)
		}
		defer f.Close()
		src = f
	}

	p, err := k.Spawn(ctx, stdout, stdin)
	if err != nil {
		return fmt.Errorf("spawning process: %w", err)
	}

	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dispatch(ctx, stdout, p, line)
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, out io.Writer, p *syscall.Process, line string) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	result, err := call(ctx, p, name, args)
	if err != nil {
		fmt.Fprintf(out, "!! %s: %v\n", name, err)
		return
	}
	fmt.Fprintf(out, "-> %v\n", result)
}

func call(ctx context.Context, p *syscall.Process, name string, args []string) (any, error) {
	switch name {
	case "halt":
		p.Halt(ctx)
		return "halted", nil
	case "exit":
		status, _ := atoi(args, 0)
		return "exited", p.Exit(ctx, status)
	case "create":
		size, _ := atoi(args, 1)
		return p.Create(ctx, arg(args, 0), int64(size))
	case "remove":
		return p.Remove(ctx, arg(args, 0))
	case "open":
		return p.Open(ctx, arg(args, 0))
	case "close":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		return "closed", p.Close(ctx, fd)
	case "read":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		n, err := atoi(args, 1)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		got, err := p.Read(ctx, fd, buf)
		if err != nil || got < 0 {
			return got, err
		}
		return fmt.Sprintf("%d %q", got, buf[:got]), nil
	case "write":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		return p.Write(ctx, fd, []byte(arg(args, 1)))
	case "filesize":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		return p.Filesize(ctx, fd)
	case "seek":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		pos, err := atoi(args, 1)
		if err != nil {
			return nil, err
		}
		p.Seek(ctx, fd, int64(pos))
		return "sought", nil
	case "tell":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		return p.Tell(ctx, fd)
	case "chdir":
		return p.Chdir(ctx, arg(args, 0))
	case "mkdir":
		return p.Mkdir(ctx, arg(args, 0))
	case "readdir":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		name, ok, err := p.Readdir(ctx, fd)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("%q %t", name, ok), nil
	case "isdir":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		return p.IsDir(ctx, fd), nil
	case "inumber":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		return p.Inumber(ctx, fd)
	case "mmap":
		fd, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		upage, err := strconv.ParseUint(arg(args, 1), 0, 64)
		if err != nil {
			return nil, err
		}
		return p.Mmap(ctx, fd, proc.UserPage(upage))
	case "munmap":
		id, err := atoi(args, 0)
		if err != nil {
			return nil, err
		}
		return "unmapped", p.Munmap(ctx, id)
	default:
		return nil, fmt.Errorf("unknown syscall %q", name)
	}
}

func arg(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	return args[i]
}

func atoi(args []string, i int) (int, error) {
	s := arg(args, i)
	if s == "" {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	return strconv.Atoi(s)
}

func printReport(out io.Writer, k *kernel.Kernel) {
	cs := k.Cache.Stats()
	fs := k.FreeMap.Stats()
	fmt.Fprintf(out, "cache: slots=%d allocated=%d dirty=%d\n", cs.Slots, cs.Allocated, cs.Dirty)
	fmt.Fprintf(out, "freemap: total=%d free=%d used=%d\n", fs.Total, fs.Free, fs.Used)
}
