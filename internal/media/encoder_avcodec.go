//go:build linux && cgo

package media

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/opt.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	AVCodecContext *ctx;
	AVFrame *frame;
	AVPacket *pkt;
	struct SwsContext *sws;
	int width;
	int height;
	int64_t pts;
} PCEncoder;

static PCEncoder* pc_encoder_init(int width, int height, int fps,
                                  int bitrate_kbps, int keyint) {
	PCEncoder *e = (PCEncoder*)calloc(1, sizeof(PCEncoder));
	if (!e) return NULL;

	e->width = width;
	e->height = height;
	e->pts = 0;

	const AVCodec *codec = avcodec_find_encoder_by_name("libx264");
	if (!codec) codec = avcodec_find_encoder_by_name("libopenh264");
	if (!codec) { free(e); return NULL; }

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) { free(e); return NULL; }

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
	e->ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	e->ctx->gop_size = keyint;
	e->ctx->max_b_frames = 0;
	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;

	if (strcmp(codec->name, "libx264") == 0) {
		av_opt_set(e->ctx->priv_data, "preset", "ultrafast", 0);
		av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
		av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
	}

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}

	e->frame = av_frame_alloc();
	e->frame->format = e->ctx->pix_fmt;
	e->frame->width = width;
	e->frame->height = height;
	av_frame_get_buffer(e->frame, 0);

	e->pkt = av_packet_alloc();

	e->sws = sws_getContext(
		width, height, AV_PIX_FMT_RGBA,
		width, height, e->ctx->pix_fmt,
		SWS_FAST_BILINEAR, NULL, NULL, NULL);

	if (!e->sws) {
		av_packet_free(&e->pkt);
		av_frame_free(&e->frame);
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}

	return e;
}

static int pc_encoder_encode(PCEncoder *e, const uint8_t *rgba, int stride,
                             int force_key, uint8_t **out_buf, int *out_size) {
	*out_size = 0;

	const uint8_t *src_data[1] = { rgba };
	int src_linesize[1] = { stride };

	av_frame_make_writable(e->frame);
	sws_scale(e->sws, src_data, src_linesize, 0, e->height,
	          e->frame->data, e->frame->linesize);

	e->frame->pts = e->pts++;
	e->frame->pict_type = force_key ? AV_PICTURE_TYPE_I : AV_PICTURE_TYPE_NONE;

	int ret = avcodec_send_frame(e->ctx, e->frame);
	if (ret < 0) return -1;

	ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	return 0;
}

static void pc_encoder_unref(PCEncoder *e) { av_packet_unref(e->pkt); }

static const char* pc_encoder_name(PCEncoder *e) { return e->ctx->codec->name; }

static void pc_encoder_destroy(PCEncoder *e) {
	if (!e) return;
	if (e->sws) sws_freeContext(e->sws);
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	free(e);
}
*/
import "C"

import (
	"fmt"
	"image"
	"sync"
	"unsafe"
)

func init() {
	registerEncoderFactory("avcodec", newAvcodecBackend)
}

// avcodecBackend encodes RGBA frames through libavcodec (libx264 with a
// libopenh264 fallback), tuned for zero-latency streaming.
type avcodecBackend struct {
	mu  sync.Mutex
	enc *C.PCEncoder
	cfg EncoderConfig
}

func newAvcodecBackend(cfg EncoderConfig) (encoderBackend, error) {
	enc := C.pc_encoder_init(
		C.int(cfg.Width), C.int(cfg.Height),
		C.int(cfg.FPS), C.int(cfg.BitrateKbps), C.int(cfg.KeyintFrames),
	)
	if enc == nil {
		return nil, fmt.Errorf("avcodec: no usable h264 codec for %dx%d", cfg.Width, cfg.Height)
	}
	return &avcodecBackend{enc: enc, cfg: cfg}, nil
}

func (b *avcodecBackend) Encode(img *image.RGBA, forceKeyframe bool) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc == nil {
		return nil, fmt.Errorf("avcodec: encoder closed")
	}

	force := C.int(0)
	if forceKeyframe {
		force = 1
	}

	var out *C.uint8_t
	var size C.int
	ret := C.pc_encoder_encode(
		b.enc,
		(*C.uint8_t)(unsafe.Pointer(&img.Pix[0])), C.int(img.Stride),
		force, &out, &size,
	)
	if ret < 0 {
		return nil, fmt.Errorf("avcodec: encode failed")
	}
	if size == 0 {
		return nil, nil
	}
	data := C.GoBytes(unsafe.Pointer(out), size)
	C.pc_encoder_unref(b.enc)
	return data, nil
}

// SetBitrate reopens the codec at the new target. Rate changes are rare
// (adaptive ticks every few seconds) so a reopen is acceptable.
func (b *avcodecBackend) SetBitrate(kbps int) error {
	cfg := b.cfg
	cfg.BitrateKbps = kbps
	return b.reopen(cfg)
}

func (b *avcodecBackend) SetFPS(fps int) error {
	cfg := b.cfg
	cfg.FPS = fps
	return b.reopen(cfg)
}

func (b *avcodecBackend) reopen(cfg EncoderConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	enc := C.pc_encoder_init(
		C.int(cfg.Width), C.int(cfg.Height),
		C.int(cfg.FPS), C.int(cfg.BitrateKbps), C.int(cfg.KeyintFrames),
	)
	if enc == nil {
		return fmt.Errorf("avcodec: reopen failed")
	}
	if b.enc != nil {
		C.pc_encoder_destroy(b.enc)
	}
	b.enc = enc
	b.cfg = cfg
	return nil
}

func (b *avcodecBackend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc == nil {
		return "avcodec"
	}
	return "avcodec/" + C.GoString(C.pc_encoder_name(b.enc))
}

func (b *avcodecBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc != nil {
		C.pc_encoder_destroy(b.enc)
		b.enc = nil
	}
	return nil
}
