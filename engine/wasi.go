package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	ebadf     = 8          // POSIX EBADF error code
	invalidFD = 0xFFFFFFFF // -1 as uint32
)

// InstantiateWASI instantiates wasi_snapshot_preview1 in r, together with
// the helper functions guests built through the preview1 component adapter
// import. It is a no-op when r already has the module.
func InstantiateWASI(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	if m := r.Module(wasi_snapshot_preview1.ModuleName); m != nil {
		return m, nil
	}

	builder := r.NewHostModuleBuilder(wasi_snapshot_preview1.ModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)

	i32 := []api.ValueType{api.ValueTypeI32}
	adapter := []struct {
		fn      api.GoModuleFunc
		params  []api.ValueType
		results []api.ValueType
		name    string
	}{
		{func(context.Context, api.Module, []uint64) {}, nil, nil, "reset_adapter_state"},
		{func(_ context.Context, _ api.Module, stack []uint64) { stack[0] = ebadf }, i32, i32, "adapter_close_badfd"},
		{func(_ context.Context, _ api.Module, stack []uint64) { stack[0] = invalidFD }, i32, i32, "adapter_open_badfd"},
	}
	for _, f := range adapter {
		builder.NewFunctionBuilder().WithGoModuleFunction(f.fn, f.params, f.results).Export(f.name)
	}

	return builder.Instantiate(ctx)
}
