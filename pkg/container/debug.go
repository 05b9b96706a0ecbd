package container

import "strconv"

// DebugArgs returns the docker arguments of an interactive, throwaway
// container that runs command the way an Exec would. An empty command opens
// a shell.
func DebugArgs(cfg StartConfig, command string) []string {
	args := []string{"run", "--rm", "-it"}
	if cfg.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.CPU, 'f', -1, 64))
	}
	if cfg.MemGB > 0 {
		args = append(args, "--memory", strconv.Itoa(int(cfg.MemGB*1024))+"m")
	}
	args = append(args, envArgs(cfg.Env)...)
	mounts, workdir := mountArgs(cfg)
	args = append(args, mounts...)
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	args = append(args, cfg.Image.Name)
	if command == "" {
		return append(args, "sh")
	}
	return append(args, "sh", "-c", command)
}
