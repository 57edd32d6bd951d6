package logger

import (
	"fmt"

	"github.com/fatih/color"
)

var (
	infoColor    = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	bannerColor  = color.New(color.FgMagenta, color.Bold)
	sectionColor = color.New(color.FgWhite, color.Bold)
)

func printTagged(c *color.Color, tag, msg string) {
	c.Printf("[%s] ", tag)
	fmt.Println(msg)
}

// Info logs an informational message under a component tag.
func Info(tag, msg string) {
	printTagged(infoColor, tag, msg)
}

// Success logs a completed operation under a component tag.
func Success(tag, msg string) {
	printTagged(successColor, tag, msg)
}

// Warn logs a recoverable problem under a component tag.
func Warn(tag, msg string) {
	printTagged(warnColor, tag, msg)
}

// Error logs a failure under a component tag.
func Error(tag, msg string) {
	printTagged(errorColor, tag, msg)
}

// Banner prints the startup banner with an optional version string.
func Banner(version string) {
	bannerColor.Println("h2h-suppress - H2H win/loss anomaly & suppression engine")
	if version != "" {
		fmt.Printf("version %s\n", version)
	}
}

// Section prints a visual divider before a named phase of work.
func Section(name string) {
	sectionColor.Printf("── %s ──\n", name)
}

// Stats prints a single key/value statistic.
func Stats(key string, value interface{}) {
	fmt.Printf("  %s: %v\n", key, value)
}
