// Package resolver turns an extension's main path into module exports.
//
// Three backends exist:
//
//   - Static: in-process Go modules registered by path. Used for embedding
//     extensions in the host binary and for tests.
//   - Lua: main is a Lua chunk that returns a table with optional activate
//     and deactivate functions. Chunks run in a sandboxed gopher-lua state
//     with only the base, table, string and math libraries.
//   - Exec: main is an executable speaking a JSON protocol over
//     stdin/stdout (see package protocol). The host sends describe on
//     load, activate and deactivate on the matching lifecycle steps, and
//     dispose for each handle the module reported from activate.
//
// Auto picks Static when the path was registered there, Lua for ".lua"
// files and Exec otherwise.
package resolver
