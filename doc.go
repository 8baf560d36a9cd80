/*
Package hotrod is a hot reload toolkit for native code modules.

A module is a code image (a C ABI shared library opened through [purego], or a relocatable Go
object linked at runtime by [goloader]) exporting one entry symbol. The entry symbol fills a
[ModuleContext]: metadata plus the init, input, update, unload and optional reload callbacks.

# Underwater

 1. The operator's file is never opened for loading. [Loader] copies it to a scratch directory
    under a name that is unique per load (<stem>_<timestamp><ext>) and opens the copy, so the
    original can be rebuilt while the module is resident.
 2. Strings a module reports are copied on receipt; callbacks are valid only while the image is loaded.
 3. Host services are published once in an [EngineContext], keyed by [CapabilityKind], and looked up
    by modules with [Lookup]. Native modules see the same table as engine_context_t.

# Notes

 1. Publishers must write-then-rename module files: an observed mtime must always belong to a
    complete file. [Publish] does so, and the compiler tool uses it.
 2. Nothing here sandboxes module code. A callback that blocks stalls the whole host.
 3. The goloader backend needs a host built with a prepared SDK, see `compiler prepare`.

# Pool

See package pool for discovery, reload sweeps and update dispatch, and package tick for the
driver calling them once per cycle.

[goloader]: https://github.com/pkujhd/goloader
[purego]: https://github.com/ebitengine/purego
*/
package hotrod
