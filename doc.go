// Patch a Unity game's managed assembly to start a debug menu
//
// The game ships a DebugDirector type whose Awake method runs when the
// scene loads. This package replaces that method with one that calls
// SrDebugDirector.Init from a companion assembly, so the menu comes up with
// the game. The companion is copied next to the game's assemblies first.
//
// All type, method and assembly names come from the config package, but
// the shape of the patch is fixed: one hook, one static void initializer.
//
// Limitations:
//   - Only IL-only PE images with compressed metadata (#~) are supported
//   - Strong-name signatures and Authenticode certificates are removed
//   - Mixed-mode images (C++/CLI, VTable fixups, native entry stubs) are refused
//   - The companion is installed even if the patch later fails
package patcher
