package gtkwin

/*
#cgo pkg-config: gtk-layer-shell-0
#include <gtk-layer-shell.h>
*/
import "C"
import "unsafe"

const (
	layerOverlay       = 3
	layerEdgeLeft      = 0
	layerEdgeTop       = 2
	keyboardModeDemand = 2
)

// layerSupported reports whether the compositor speaks wlr-layer-shell.
func layerSupported() bool {
	return C.gtk_layer_is_supported() != 0
}

// initLayer turns a not yet realized window into an overlay surface
// anchored at the top-left corner, so placement is done with margins.
func initLayer(window unsafe.Pointer) {
	w := (*C.GtkWindow)(window)
	C.gtk_layer_init_for_window(w)
	C.gtk_layer_set_layer(w, C.GtkLayerShellLayer(layerOverlay))
	C.gtk_layer_set_keyboard_mode(w, C.GtkLayerShellKeyboardMode(keyboardModeDemand))
	C.gtk_layer_set_anchor(w, C.GtkLayerShellEdge(layerEdgeLeft), 1)
	C.gtk_layer_set_anchor(w, C.GtkLayerShellEdge(layerEdgeTop), 1)
	C.gtk_layer_set_exclusive_zone(w, -1)
}

// placeLayer moves an anchored surface to x, y.
func placeLayer(window unsafe.Pointer, x, y int) {
	w := (*C.GtkWindow)(window)
	C.gtk_layer_set_margin(w, C.GtkLayerShellEdge(layerEdgeLeft), C.int(x))
	C.gtk_layer_set_margin(w, C.GtkLayerShellEdge(layerEdgeTop), C.int(y))
}
