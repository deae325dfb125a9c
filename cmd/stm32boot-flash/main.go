// Command stm32boot-flash loads a raw firmware image into an STM32
// target over its USART bootloader.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/synthread/stm32boot/stm32boot"
)

func main() {
	var (
		resetPin = flag.Int("reset-pin", 0, "GPIO line wired to RESET")
		boot0Pin = flag.Int("boot0-pin", 0, "GPIO line wired to BOOT0")
		port     = flag.String("port", "", "serial port device path")
		baud     = flag.Int("baud", stm32boot.DefaultBaudRate, "bootloader UART baud rate")
		addr     = flag.Uint64("address", 0x08000000, "base flash address")
		verbose  = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *port == "" || flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: stm32boot-flash -port=/dev/ttyUSB0 -reset-pin=N -boot0-pin=N firmware.bin")
		os.Exit(2)
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		entry.WithError(err).Fatal("could not read firmware image")
	}

	driver := stm32boot.New(stm32boot.Config{
		ResetPin:           *resetPin,
		Boot0Pin:           *boot0Pin,
		SerialPortPath:     *port,
		SerialPortBaudRate: *baud,
	}, entry)

	onProgress := func(address uint32, offset, total int) {
		entry.Infof("flashed %d/%d bytes (last packet at 0x%08x)", offset+256, total, address)
	}

	if err := driver.Flash(context.Background(), uint32(*addr), data, onProgress); err != nil {
		entry.WithError(err).Fatal("flash failed")
	}

	entry.Info("flash complete")
}
