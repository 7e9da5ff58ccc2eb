// Package boardflash reprograms the SPI configuration flash of AI
// accelerator boards with new firmware bundles, preserving the
// board-specific state persisted on flash and refusing unsafe version
// transitions.
//
// The package contains the flash orchestration engine: the boot-fs
// directory reader used to locate persisted records, the image and mask
// parsers that turn a bundle into concrete byte writes, the firmware
// version compatibility checks, and the two-stage write/verify/retry
// pipeline with post-flash reset and confirmation.
//
// Talking to the silicon itself is delegated to an external chip-access
// driver registered through RegisterDriver. A command line tool is
// provided in cmd/boardflash.
package boardflash
