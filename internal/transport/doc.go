// Package transport is the serial I/O layer of the bridge.
//
// It exposes a small Opener/Port pair that the device session manager drives
// without knowing which native facility sits underneath:
//
//   - the "linux" driver talks to the tty directly: raw termios, poll(2) with a
//     self-pipe so a blocked reader can be killed, and tcdrain after every line
//   - the "portable" driver wraps go.bug.st/serial and works wherever that
//     package does
//
// Reads are line-oriented. Incoming bytes are split on '\n' and a trailing
// '\r' is dropped. Writes append the configured delimiter (default "\r\n")
// and return only once the line has been drained to the device.
//
// Example usage:
//
//	opener, err := transport.NewOpener("linux")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	port, err := opener.Open(ctx, transport.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	go port.ReadLinesLoop(
//	    func(line string) { fmt.Println("Received:", line) },
//	    func(err error) { log.Println("Read error:", err) },
//	)
//
//	if err := port.WriteLine("AT"); err != nil {
//	    log.Println("Write failed:", err)
//	}
package transport
