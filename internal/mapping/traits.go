package mapping

import (
	"errors"
	"path/filepath"
	"strings"
)

// Getenv looks up an environment variable.
type Getenv func(string) string

// CommandLineBuilder turns an executable name into the argv that runs it.
type CommandLineBuilder interface {
	CommandLine(exe string) ([]string, error)
}

// SSLPropertyProvider returns the properties that configure TLS for a role.
type SSLPropertyProvider interface {
	SSLProps(certsDir string, role Role) map[string]string
}

// PluginEntryPointResolver returns how a runtime loads a named plugin.
type PluginEntryPointResolver interface {
	EntryPoint(plugin string) string
}

var errNoExecutable = errors.New("no executable given")

// NativeBuilder runs compiled binaries, optionally from a fixed directory.
type NativeBuilder struct {
	Dir string
}

func (b NativeBuilder) CommandLine(exe string) ([]string, error) {
	if exe == "" {
		return nil, errNoExecutable
	}
	if b.Dir != "" && !filepath.IsAbs(exe) && !strings.ContainsRune(exe, filepath.Separator) {
		exe = filepath.Join(b.Dir, exe)
	}
	return []string{exe}, nil
}

// JVMBuilder runs a main class with the java found under JAVA_HOME, or on
// PATH when it is unset.
type JVMBuilder struct {
	Getenv    Getenv
	ClassPath string
}

func (b JVMBuilder) CommandLine(exe string) ([]string, error) {
	if exe == "" {
		return nil, errNoExecutable
	}
	java := "java"
	if home := b.Getenv("JAVA_HOME"); home != "" {
		java = filepath.Join(home, "bin", "java")
	}
	argv := []string{java, "-ea"}
	if b.ClassPath != "" {
		argv = append(argv, "-cp", b.ClassPath)
	}
	return append(argv, exe), nil
}

// DotNetBuilder runs an assembly through the dotnet host.
type DotNetBuilder struct {
	Getenv Getenv
}

func (b DotNetBuilder) CommandLine(exe string) ([]string, error) {
	if exe == "" {
		return nil, errNoExecutable
	}
	host := "dotnet"
	if root := b.Getenv("DOTNET_ROOT"); root != "" {
		host = filepath.Join(root, "dotnet")
	}
	if !strings.HasSuffix(exe, ".dll") {
		exe += ".dll"
	}
	return []string{host, exe}, nil
}

// InterpreterBuilder runs a script with an interpreter. EnvVar, when set and
// present in the environment, overrides Command.
type InterpreterBuilder struct {
	Getenv  Getenv
	Command string
	EnvVar  string
	Ext     string
	Flags   []string
	Trailer []string
}

func (b InterpreterBuilder) CommandLine(exe string) ([]string, error) {
	if exe == "" {
		return nil, errNoExecutable
	}
	cmd := b.Command
	if b.EnvVar != "" {
		if v := b.Getenv(b.EnvVar); v != "" {
			cmd = v
		}
	}
	if b.Ext != "" && filepath.Ext(exe) == "" {
		exe += b.Ext
	}
	argv := append([]string{cmd}, b.Flags...)
	argv = append(argv, exe)
	return append(argv, b.Trailer...), nil
}

// PEMProvider configures TLS with PEM files.
type PEMProvider struct{}

func (PEMProvider) SSLProps(certsDir string, role Role) map[string]string {
	return map[string]string{
		"SSL.DefaultDir": certsDir,
		"SSL.CAs":        "cacert.pem",
		"SSL.CertFile":   role.String() + "_cert.pem",
		"SSL.KeyFile":    role.String() + "_key.pem",
	}
}

// KeystoreProvider configures TLS with Java keystores.
type KeystoreProvider struct{}

func (KeystoreProvider) SSLProps(certsDir string, role Role) map[string]string {
	return map[string]string{
		"SSL.DefaultDir": certsDir,
		"SSL.Keystore":   role.String() + ".jks",
		"SSL.Truststore": "truststore.jks",
		"SSL.Password":   "password",
	}
}

// PKCS12Provider configures TLS with PKCS#12 bundles.
type PKCS12Provider struct{}

func (PKCS12Provider) SSLProps(certsDir string, role Role) map[string]string {
	return map[string]string{
		"SSL.DefaultDir": certsDir,
		"SSL.CAs":        "cacert.pem",
		"SSL.CertFile":   role.String() + ".p12",
		"SSL.Password":   "password",
	}
}

// SymbolResolver loads plugins from shared libraries by factory symbol.
type SymbolResolver struct{}

func (SymbolResolver) EntryPoint(plugin string) string {
	return plugin + ":create" + title(plugin)
}

// ClassResolver loads plugins by factory class name.
type ClassResolver struct {
	Package string
}

func (r ClassResolver) EntryPoint(plugin string) string {
	return r.Package + "." + strings.ToLower(plugin) + "." + title(plugin) + "PluginFactory"
}

// AssemblyResolver loads plugins from an assembly and factory type.
type AssemblyResolver struct{}

func (AssemblyResolver) EntryPoint(plugin string) string {
	return plugin + ".dll:" + title(plugin) + "PluginFactory"
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
