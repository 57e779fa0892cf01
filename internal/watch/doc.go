// Package watch keeps locations in sync as they are edited.
//
// A Watcher wraps fsnotify and attributes every raw event to the resource
// it belongs to. The Engine debounces those per resource and, once a
// resource has been quiet for the debounce window, runs the sync engine for
// just that resource with origin "watch:<owner>:<name>".
//
// Writes made by a sync run are themselves observed. They settle after one
// extra run, which finds every location already equal and records nothing.
package watch
