// Package media acquires the local microphone and camera tracks a call sends.
//
// The default Source is synthetic: it produces real pion sample tracks fed
// with silence and blank frames, which lets headless agents and tests run
// without devices. Building with -tags mediadevices adds DeviceSource, which
// captures real devices through pion/mediadevices (cgo, libvpx and libopus
// required).
package media
